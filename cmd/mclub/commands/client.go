package commands

import (
	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/pkg/loyalty"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/spf13/cobra"
)

var (
	registerEmail    string
	registerDNI      string
	registerPassword string
)

var clientCmd = &cobra.Command{
	Use:   "client IDENTIFIER",
	Short: "Show a member's profile and reward status",
	Long: `Look a member up by id, email, DNI or QR code and show how many active
purchases they hold and whether a reward is available.

Examples:
  mclub client ana@example.com
  mclub client 30111222 --output=json`,
	Args: cobra.ExactArgs(1),
	RunE: runClient,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Enrol a new member",
	Long: `Enrol a new member of the loyalty programme. Only --email is required;
the member can set a password later through 'mclub password reset-request'.

Examples:
  mclub register --email ana@example.com --dni 30111222`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(clientCmd)

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Member email (required)")
	registerCmd.Flags().StringVar(&registerDNI, "dni", "", "Member national identity number")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Initial password")
	_ = registerCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(registerCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.ensureSession(cmd.Context()); err != nil {
		return err
	}

	profile, err := a.lookupClient(cmd, args[0])
	if err != nil {
		return err
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), profile)
	}
	format.FormatProfile(printer.Out(), profile)
	return nil
}

// lookupClient resolves a member by id, email, DNI or QR code.
func (a *app) lookupClient(cmd *cobra.Command, identifier string) (*loyalty.ClientProfile, error) {
	profile, err := a.api.GetClientProfile(cmd.Context(), identifier)
	if err != nil {
		if session.IsNotFound(err) {
			return nil, printer.Error(
				"client not found",
				"No member matches "+identifier+".",
				[]string{"Search by id, email, DNI or QR code"},
			)
		}
		return nil, a.apiError("failed to get client", err, "The client could not be loaded")
	}
	return profile, nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.ensureSession(cmd.Context())
	if err != nil {
		return err
	}
	if err := requireRole(id, session.RoleStoreCashier, session.RoleAdmin); err != nil {
		return err
	}

	info, err := a.api.RegisterClient(cmd.Context(), loyalty.RegisterRequest{
		Email:    registerEmail,
		Password: registerPassword,
		DNI:      registerDNI,
	})
	if err != nil {
		return a.apiError("registration failed", err, "The client could not be registered")
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), info)
	}
	printer.Success("Registered %s\n", info.Email)
	printer.Detail("Client", info.ID)
	return nil
}
