package format

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/magicclub/pkg/loyalty"
)

// OutputFormat selects how listings are rendered.
type OutputFormat string

const (
	// OutputFormatDefault renders aligned tables for humans
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON renders JSON (one object per line for streams and listings)
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (valid: default, json)", s)
}

// now is replaced in tests.
var now = time.Now

// FormatPurchases writes purchases as a table followed by a paging footer.
// Returns the number of purchases written.
func FormatPurchases(w io.Writer, purchases []loyalty.Purchase, meta loyalty.Metadata) int {
	if len(purchases) == 0 {
		fmt.Fprintln(w, "No purchases found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-10s %12s %-7s %s\n", "ID", "CLIENT", "AMOUNT", "STATUS", "AGE")
	fmt.Fprintf(w, "%-10s %-10s %12s %-7s %s\n", "----------", "----------", "------------", "-------", "--------")
	for _, p := range purchases {
		fmt.Fprintf(w, "%-10s %-10s %12s %-7s %s\n",
			formatID(p.ID),
			formatID(p.ClientID),
			formatAmount(p.Amount),
			orDash(string(p.Status)),
			formatAge(p.CreatedAt),
		)
	}

	writeFooter(w, len(purchases), "purchase", meta)
	return len(purchases)
}

// FormatClients writes clients as a table followed by a paging footer.
// Returns the number of clients written.
func FormatClients(w io.Writer, clients []loyalty.ClientInfo, meta loyalty.Metadata) int {
	if len(clients) == 0 {
		fmt.Fprintln(w, "No clients found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-30s %-10s %s\n", "ID", "EMAIL", "DNI", "AGE")
	fmt.Fprintf(w, "%-10s %-30s %-10s %s\n", "----------", "------------------------------", "----------", "--------")
	for _, c := range clients {
		fmt.Fprintf(w, "%-10s %-30s %-10s %s\n",
			formatID(c.ID),
			truncate(c.Email, 30),
			orDash(c.DNI),
			formatAge(c.CreatedAt),
		)
	}

	writeFooter(w, len(clients), "client", meta)
	return len(clients)
}

// FormatProfile writes a client's details and reward status.
func FormatProfile(w io.Writer, p *loyalty.ClientProfile) {
	fmt.Fprintf(w, "Client:            %s\n", p.Client.ID)
	fmt.Fprintf(w, "Email:             %s\n", orDash(p.Client.Email))
	fmt.Fprintf(w, "DNI:               %s\n", orDash(p.Client.DNI))
	fmt.Fprintf(w, "Active purchases:  %d\n", p.Status.ActivePurchasesCount)
	if p.Status.RewardAvailable {
		fmt.Fprintf(w, "Reward available:  yes (%s off)\n", formatAmount(p.Status.AvailableDiscount))
	} else {
		fmt.Fprintf(w, "Reward available:  no\n")
	}
}

// FormatStoreStats writes the store summary.
func FormatStoreStats(w io.Writer, s *loyalty.StoreStats) {
	writeRows(w, [][2]string{
		{"Purchases", fmt.Sprint(s.TotalPurchases)},
		{"Amount", formatAmount(s.TotalAmount)},
		{"Rewards redeemed", fmt.Sprint(s.RewardsRedeemed)},
		{"Discounted", formatAmount(s.TotalDiscounted)},
		{"Unique clients", fmt.Sprint(s.UniqueClients)},
	})
}

// FormatAdminStats writes the programme-wide summary.
func FormatAdminStats(w io.Writer, s *loyalty.AdminStats) {
	writeRows(w, [][2]string{
		{"Clients", fmt.Sprint(s.TotalClients)},
		{"Stores", fmt.Sprint(s.TotalStores)},
		{"Purchases", fmt.Sprint(s.TotalPurchases)},
		{"Rewards", fmt.Sprint(s.TotalRewards)},
		{"Amount", formatAmount(s.TotalAmount)},
		{"Discounted", formatAmount(s.TotalDiscounted)},
	})
}

// FormatJSONL writes each item as a single-line JSON object.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON followed by a newline.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// KeyValues renders an event payload as space-separated key=value pairs in
// key order, truncated to limit characters. Empty payloads return "-".
func KeyValues(payload map[string]any, limit int) string {
	if len(payload) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(payload[k]))
	}
	return truncate(strings.Join(parts, " "), limit)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if val == "" || strings.ContainsAny(val, " \t\n") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case float64:
		return fmt.Sprint(val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

func writeRows(w io.Writer, rows [][2]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  %s\n", width+1, r[0]+":", r[1])
	}
}

func writeFooter(w io.Writer, n int, noun string, meta loyalty.Metadata) {
	if n != 1 {
		noun += "s"
	}
	if meta.LastPage > 0 {
		fmt.Fprintf(w, "\n%d %s (page %d of %d, %d total)\n", n, noun, meta.CurrentPage, meta.LastPage, meta.TotalRecords)
		return
	}
	fmt.Fprintf(w, "\n%d %s found\n", n, noun)
}

// formatID truncates an ID to its first 8 characters.
func formatID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

// formatAge renders a timestamp relative to now, e.g. "2m ago".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now().Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
