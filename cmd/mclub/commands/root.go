package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Global flags
var (
	configPath string
	apiURL     string
	logLevel   string
	outputFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mclub",
	Short: "mclub - Magic Club loyalty programme client",
	Long: `mclub talks to the Magic Club loyalty API from the terminal.

Cashiers register purchases and redeem rewards, administrators inspect the
programme, and anyone can follow live purchase and reward notifications.

Sessions live only in memory: each invocation signs in with the credentials
from mclub.yml or MCLUB_EMAIL/MCLUB_DNI and MCLUB_PASSWORD, and transparently
refreshes its access token while it runs.`,
	Version: version,
	// Show help instead of silently succeeding without a subcommand
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Errors are printed in colour by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "Path to mclub.yml (default: $MCLUB_CONFIG or ./mclub.yml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Override api.base_url")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "default", "Output format (default or json)")
}
