package commands

import (
	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginDNI      string
	loginPassword string
	resetPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check credentials and show the resulting identity",
	Long: `Sign in with an email or DNI and a password.

mclub keeps no session on disk, so every command signs in on its own. login
is useful to check a set of credentials before saving them in mclub.yml.

Flags override credentials from mclub.yml and MCLUB_EMAIL, MCLUB_DNI and
MCLUB_PASSWORD.

Examples:
  mclub login --email cashier@example.com --password secret
  mclub login --dni 30111222 --password secret`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity behind the configured credentials",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the refresh token on the server",
	Long: `Sign in with the configured credentials and immediately log out, which
revokes the refresh token server-side. Network and server errors during
logout are ignored; the local session always ends.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

var magicLinkCmd = &cobra.Command{
	Use:   "magic-link",
	Short: "Passwordless sign-in by email",
}

var magicLinkSendCmd = &cobra.Command{
	Use:   "send EMAIL",
	Short: "Email a one-time sign-in link",
	Args:  cobra.ExactArgs(1),
	RunE:  runMagicLinkSend,
}

var magicLinkRedeemCmd = &cobra.Command{
	Use:   "redeem TOKEN",
	Short: "Sign in with the token from a magic link",
	Args:  cobra.ExactArgs(1),
	RunE:  runMagicLinkRedeem,
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Password recovery",
}

var passwordResetRequestCmd = &cobra.Command{
	Use:   "reset-request EMAIL",
	Short: "Email a password reset token",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordResetRequest,
}

var passwordResetCmd = &cobra.Command{
	Use:   "reset TOKEN",
	Short: "Set a new password using a reset token",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordReset,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Login email")
	loginCmd.Flags().StringVar(&loginDNI, "dni", "", "Login national identity number")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Login password")
	loginCmd.MarkFlagsMutuallyExclusive("email", "dni")
	rootCmd.AddCommand(loginCmd)

	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(logoutCmd)

	magicLinkCmd.AddCommand(magicLinkSendCmd, magicLinkRedeemCmd)
	rootCmd.AddCommand(magicLinkCmd)

	passwordResetCmd.Flags().StringVar(&resetPassword, "password", "", "New password (required)")
	_ = passwordResetCmd.MarkFlagRequired("password")
	passwordCmd.AddCommand(passwordResetRequestCmd, passwordResetCmd)
	rootCmd.AddCommand(passwordCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	creds := credentials{
		Email:    a.cfg.Credentials.Email,
		DNI:      a.cfg.Credentials.DNI,
		Password: a.cfg.Credentials.Password,
	}
	if loginEmail != "" || loginDNI != "" {
		creds.Email, creds.DNI = loginEmail, loginDNI
	}
	if loginPassword != "" {
		creds.Password = loginPassword
	}

	if (creds.Email == "" && creds.DNI == "") || creds.Password == "" {
		return printer.Error(
			"missing credentials",
			"An email or DNI and a password are required.",
			[]string{
				"Pass --email (or --dni) and --password",
				"Set them in mclub.yml or MCLUB_EMAIL/MCLUB_DNI and MCLUB_PASSWORD",
			},
		)
	}

	id, err := a.login(cmd.Context(), creds)
	if err != nil {
		return err
	}

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), id)
	}
	printer.Success("Logged in\n")
	printIdentity(id)
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
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

	if f == format.OutputFormatJSON {
		return format.FormatSingleJSON(printer.Out(), id)
	}
	printIdentity(id)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.ensureSession(cmd.Context()); err != nil {
		return err
	}

	a.manager.Logout(cmd.Context())
	printer.Success("Logged out\n")
	return nil
}

func runMagicLinkSend(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.RequestMagicLink(cmd.Context(), args[0]); err != nil {
		return a.apiError("failed to send magic link", err, "The magic link could not be sent")
	}

	printer.Success("Magic link sent to %s\n", args[0])
	printer.Info("Run 'mclub magic-link redeem TOKEN' with the token from the email.\n")
	return nil
}

func runMagicLinkRedeem(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.manager.AuthenticateMagicLink(cmd.Context(), args[0])
	if err != nil {
		return a.apiError("magic link rejected", err, "The magic link has expired or was already used")
	}

	printer.Success("Logged in\n")
	printIdentity(id)
	return nil
}

func runPasswordResetRequest(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.RequestPasswordReset(cmd.Context(), args[0]); err != nil {
		return a.apiError("failed to request password reset", err, "The reset email could not be sent")
	}

	printer.Success("If %s is registered, a reset token is on its way\n", args[0])
	return nil
}

func runPasswordReset(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.ResetPassword(cmd.Context(), args[0], resetPassword); err != nil {
		return a.apiError("password reset failed", err, "The reset token is invalid or expired")
	}

	printer.Success("Password updated\n")
	return nil
}

func printIdentity(id *session.Identity) {
	printer.Detail("Subject", id.SubjectID)
	printer.Detail("Email", orNone(id.Email))
	printer.Detail("Role", string(id.Role))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
