package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/magicclub/internal/config"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	forceInit  bool
	initStore  string
	showEnvVar bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default mclub.yml",
	Long: `Create mclub.yml in the current directory with default settings.

The file is written with 0600 permissions because it may later hold a
password. Credentials are left empty; add them to the file or export
MCLUB_EMAIL (or MCLUB_DNI) and MCLUB_PASSWORD.

Use --force to overwrite an existing mclub.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the configuration after defaults, mclub.yml and environment variables
have been merged. The password is redacted.

Use --env to list every environment variable mclub reads instead.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing mclub.yml")
	initCmd.Flags().StringVar(&initStore, "store-id", "", "Store UUID to record in store.id")
	rootCmd.AddCommand(initCmd)

	configCmd.Flags().BoolVar(&showEnvVar, "env", false, "List supported environment variables")
	rootCmd.AddCommand(configCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultFile
	}

	cfg := config.Default()
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if initStore != "" {
		cfg.Store.ID = initStore
	}
	if err := cfg.Validate(); err != nil {
		return printer.Error("invalid configuration", err.Error(), nil)
	}

	if err := config.Write(path, cfg, forceInit); err != nil {
		if _, statErr := os.Stat(path); statErr == nil && !forceInit {
			return printer.ErrorWithContext(
				"configuration already exists",
				"Refusing to overwrite an existing file.",
				map[string]string{"File": path},
				[]string{"Re-run with --force to replace it"},
			)
		}
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Created %s\n", path)
	printer.Detail("API", cfg.API.BaseURL)
	printer.Detail("Store", cfg.Store.ID)
	printer.Info("\nAdd credentials to %s or export MCLUB_EMAIL and MCLUB_PASSWORD, then run 'mclub login'.\n", path)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if showEnvVar {
		usage, err := config.EnvUsage()
		if err != nil {
			return fmt.Errorf("failed to describe environment: %w", err)
		}
		printer.Println(usage)
		return nil
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	data, err := yaml.Marshal(a.cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	printer.Printf("%s", data)
	return nil
}
