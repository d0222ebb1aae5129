package commands

import (
	"fmt"
	"strconv"

	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/pkg/loyalty"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var posStoreID string

var purchaseCmd = &cobra.Command{
	Use:   "purchase IDENTIFIER AMOUNT",
	Short: "Register a purchase for a member",
	Long: `Register a sale at the configured store.

The member is looked up by id, email, DNI or QR code. The store comes from
store.id in mclub.yml (or MCLUB_STORE_ID) unless --store-id is given.

Examples:
  mclub purchase ana@example.com 1500
  mclub purchase 30111222 99.90 --store-id 6f1c2b7e-0a55-4c1e-8d0f-2f3a4b5c6d7e`,
	Args: cobra.ExactArgs(2),
	RunE: runPurchase,
}

var rewardCmd = &cobra.Command{
	Use:   "reward IDENTIFIER",
	Short: "Redeem a member's available reward",
	Long: `Apply a member's available discount at the configured store.

The member is looked up by id, email, DNI or QR code. The discount is the one
the backend reports for the member; nothing is redeemed when no reward is
available. The member's updated status is shown afterwards.

Examples:
  mclub reward ana@example.com
  mclub reward 30111222 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runReward,
}

func init() {
	for _, c := range []*cobra.Command{purchaseCmd, rewardCmd} {
		c.Flags().StringVar(&posStoreID, "store-id", "", "Store UUID (default: store.id)")
		rootCmd.AddCommand(c)
	}
}

// posStore resolves the store a point-of-sale command records against.
func (a *app) posStore() (string, error) {
	storeID := posStoreID
	if storeID == "" {
		storeID = a.cfg.Store.ID
	}
	if id, err := uuid.Parse(storeID); err != nil || id == uuid.Nil {
		return "", printer.Error(
			"store not configured",
			"Purchases and rewards are recorded against a store.",
			[]string{
				"Set store.id in mclub.yml or export MCLUB_STORE_ID",
				"Pass --store-id",
			},
		)
	}
	return storeID, nil
}

// cashierSession signs in and checks the identity may operate a terminal.
func (a *app) cashierSession(cmd *cobra.Command) error {
	id, err := a.ensureSession(cmd.Context())
	if err != nil {
		return err
	}
	return requireRole(id, session.RoleStoreCashier)
}

func parseAmount(s string) (float64, error) {
	amount, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, printer.Error(
			"invalid amount",
			fmt.Sprintf("%q is not a number.", s),
			[]string{"Use a plain decimal such as 1500 or 99.90"},
		)
	}
	return amount, nil
}

func runPurchase(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	storeID, err := a.posStore()
	if err != nil {
		return err
	}
	if err := a.cashierSession(cmd); err != nil {
		return err
	}

	profile, err := a.lookupClient(cmd, args[0])
	if err != nil {
		return err
	}

	purchase, err := a.api.CreatePurchase(cmd.Context(), profile.Client.ID, storeID, amount)
	if err != nil {
		return a.apiError("purchase not registered", err, "The purchase could not be registered")
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), purchase)
	}
	printer.Success("Purchase registered\n")
	printer.Detail("Purchase", purchase.ID)
	printer.Detail("Client", orNone(profile.Client.Email))
	printer.Detail("Amount", strconv.FormatFloat(purchase.Amount, 'f', 2, 64))
	return nil
}

// redemption is the JSON shape of a reward command.
type redemption struct {
	Reward  *loyalty.Reward        `json:"reward"`
	Profile *loyalty.ClientProfile `json:"profile,omitempty"`
}

func runReward(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	storeID, err := a.posStore()
	if err != nil {
		return err
	}
	if err := a.cashierSession(cmd); err != nil {
		return err
	}

	profile, err := a.lookupClient(cmd, args[0])
	if err != nil {
		return err
	}
	if !profile.Status.RewardAvailable {
		return printer.ErrorWithContext(
			"no reward available",
			"This member has not earned a reward yet.",
			map[string]string{
				"Client":           profile.Client.ID,
				"Active purchases": strconv.Itoa(profile.Status.ActivePurchasesCount),
			},
			nil,
		)
	}

	reward, err := a.api.RedeemReward(cmd.Context(), profile.Client.ID, storeID, profile.Status.AvailableDiscount)
	if err != nil {
		return a.apiError("reward not redeemed", err, "The reward could not be redeemed")
	}

	updated, err := a.api.GetClientProfile(cmd.Context(), profile.Client.ID)
	if err != nil {
		a.logger.Warn("failed to reload client after redemption", "client", profile.Client.ID, "error", err)
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), redemption{Reward: reward, Profile: updated})
	}
	printer.Success("Reward redeemed\n")
	printer.Detail("Reward", reward.ID)
	printer.Detail("Discount", strconv.FormatFloat(reward.AmountDiscounted, 'f', 2, 64))
	if updated == nil {
		printer.Warning("Could not reload the member's status; check it with 'mclub client %s'\n", profile.Client.ID)
		return nil
	}
	printer.Info("\n")
	format.FormatProfile(printer.Out(), updated)
	return nil
}
