package commands

import (
	"fmt"

	"github.com/dyluth/magicclub/internal/filter"
	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/internal/timespec"
	"github.com/dyluth/magicclub/pkg/loyalty"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/spf13/cobra"
)

var (
	listPage     int
	listPageSize int

	purchasesSince  string
	purchasesUntil  string
	purchasesStatus string
	purchasesClient string
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Store summary and purchase history (cashiers)",
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the store summary",
	Args:  cobra.NoArgs,
	RunE:  runStoreStats,
}

var storePurchasesCmd = &cobra.Command{
	Use:   "purchases",
	Short: "List the store's purchases",
	Long: `List one page of the store's purchase history.

Output Formats:
  default - Table with ID, Client, Amount, Status and Age
  json    - Line-delimited JSON, one purchase per line

Filters (applied to the fetched page):
  --since   - Purchases created after this time (duration, date or RFC3339)
  --until   - Purchases created before this time
  --status  - active or used
  --client  - Purchases of one client id

Examples:
  mclub store purchases --page 2 --page-size 50
  mclub store purchases --since=24h --status=active
  mclub store purchases --output=json | jq 'select(.status=="active")'`,
	Args: cobra.NoArgs,
	RunE: runStorePurchases,
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Programme-wide summary and member list (admins)",
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the programme summary",
	Args:  cobra.NoArgs,
	RunE:  runAdminStats,
}

var adminClientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List registered members",
	Args:  cobra.NoArgs,
	RunE:  runAdminClients,
}

func init() {
	for _, c := range []*cobra.Command{storePurchasesCmd, adminClientsCmd} {
		c.Flags().IntVar(&listPage, "page", 1, "Page number")
		c.Flags().IntVar(&listPageSize, "page-size", 0, "Items per page (default 20, max 100)")
	}

	storePurchasesCmd.Flags().StringVar(&purchasesSince, "since", "", "Show purchases created after this time (e.g. 24h, 2025-10-01)")
	storePurchasesCmd.Flags().StringVar(&purchasesUntil, "until", "", "Show purchases created before this time")
	storePurchasesCmd.Flags().StringVar(&purchasesStatus, "status", "", "Filter by status (active or used)")
	storePurchasesCmd.Flags().StringVar(&purchasesClient, "client", "", "Filter by client id")

	storeCmd.AddCommand(storeStatsCmd, storePurchasesCmd)
	adminCmd.AddCommand(adminStatsCmd, adminClientsCmd)
	rootCmd.AddCommand(storeCmd, adminCmd)
}

// authorized builds the app, signs in and checks the role.
// Caller must call close() on the returned app.
func authorized(cmd *cobra.Command, roles ...session.Role) (*app, error) {
	a, err := newApp(cmd.Context())
	if err != nil {
		return nil, err
	}

	id, err := a.ensureSession(cmd.Context())
	if err == nil {
		err = requireRole(id, roles...)
	}
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func runStoreStats(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := authorized(cmd, session.RoleStoreCashier)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.api.StoreStats(cmd.Context())
	if err != nil {
		return a.apiError("failed to get store stats", err, "Store statistics are unavailable")
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), stats)
	}
	format.FormatStoreStats(printer.Out(), stats)
	return nil
}

// purchaseCriteria validates the local filters of 'store purchases'.
func purchaseCriteria() (*filter.Criteria, error) {
	since, until, err := timespec.ParseRange(purchasesSince, purchasesUntil)
	if err != nil {
		return nil, printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use a duration (24h), a date (2025-10-01) or RFC3339 (2025-10-01T09:00:00Z)"},
		)
	}

	status := loyalty.PurchaseStatus(purchasesStatus)
	switch status {
	case "", loyalty.PurchaseActive, loyalty.PurchaseUsed:
	default:
		return nil, printer.Error(
			"invalid status filter",
			fmt.Sprintf("Unknown status %q.", purchasesStatus),
			[]string{"Valid statuses: active, used"},
		)
	}

	return &filter.Criteria{Since: since, Until: until, Status: status, ClientID: purchasesClient}, nil
}

func runStorePurchases(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}
	criteria, err := purchaseCriteria()
	if err != nil {
		return err
	}

	a, err := authorized(cmd, session.RoleStoreCashier)
	if err != nil {
		return err
	}
	defer a.close()

	page, err := a.api.StorePurchases(cmd.Context(), listPage, listPageSize)
	if err != nil {
		return a.apiError("failed to list purchases", err, "Purchases are unavailable")
	}

	purchases := criteria.Purchases(page.Purchases)
	if f == format.OutputFormatJSON {
		return format.FormatJSONL(printer.Out(), purchases)
	}
	format.FormatPurchases(printer.Out(), purchases, page.Metadata)
	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := authorized(cmd, session.RoleAdmin)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.api.AdminStats(cmd.Context())
	if err != nil {
		return a.apiError("failed to get admin stats", err, "Programme statistics are unavailable")
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), stats)
	}
	format.FormatAdminStats(printer.Out(), stats)
	return nil
}

func runAdminClients(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := authorized(cmd, session.RoleAdmin)
	if err != nil {
		return err
	}
	defer a.close()

	page, err := a.api.AdminClients(cmd.Context(), listPage, listPageSize)
	if err != nil {
		return a.apiError("failed to list clients", err, "Clients are unavailable")
	}

	if f == format.OutputFormatJSON {
		return format.FormatJSONL(printer.Out(), page.Clients)
	}
	format.FormatClients(printer.Out(), page.Clients, page.Metadata)
	return nil
}
