package commands

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/internal/testutil"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var commandEnv = []string{
	"MCLUB_CONFIG", "MCLUB_API_URL", "MCLUB_API_TIMEOUT", "MCLUB_RECONNECT_DELAY", "MCLUB_TOKEN_IN_QUERY",
	"MCLUB_EMAIL", "MCLUB_DNI", "MCLUB_PASSWORD", "MCLUB_STORE_ID", "LOG_LEVEL", "LOG_FORMAT",
	"MCLUB_METRICS_ADDR", "MCLUB_REDIS_URL", "MCLUB_RELAY_PREFIX", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	"OTEL_EXPORTER_OTLP_INSECURE",
}

// syncBuffer is a bytes.Buffer safe for a command writing from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// clearEnv unsets every variable the configuration reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range commandEnv {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

// setupCLI points the CLI at a fresh fake backend, signed in as its cashier.
func setupCLI(t *testing.T) *testutil.Backend {
	t.Helper()
	clearEnv(t)

	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	backend := testutil.NewBackend(t)
	t.Setenv("MCLUB_API_URL", backend.URL)
	t.Setenv("MCLUB_EMAIL", backend.Identity.Email)
	t.Setenv("MCLUB_PASSWORD", backend.Password)
	t.Setenv("MCLUB_RECONNECT_DELAY", "100ms")
	return backend
}

// resetFlags restores every flag to its default so runs don't leak into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(c, ctx)
	}
}

// execute runs the CLI with args, capturing printer and cobra output.
func execute(ctx context.Context, args ...string) (stdout, stderr *syncBuffer, err error) {
	stdout, stderr = &syncBuffer{}, &syncBuffer{}
	err = executeWith(ctx, stdout, stderr, args...)
	return stdout, stderr, err
}

func executeWith(ctx context.Context, stdout, stderr *syncBuffer, args ...string) error {
	restore := printer.SetOutput(stdout, stderr)
	defer restore()

	resetFlags(rootCmd)
	setContext(rootCmd, ctx)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	clearEnv(t)

	stdout, _, err := execute(context.Background())

	assert.NoError(t, err)
	assert.Contains(t, stdout.String(), "Usage:", "Help should be displayed")
	assert.Contains(t, stdout.String(), "mclub", "Help should show command name")
	assert.Contains(t, stdout.String(), "watch")
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	clearEnv(t)

	_, _, err := execute(context.Background(), "--unknown-flag", "value")
	require.Error(t, err, "Unknown flag should cause an error")
	assert.Contains(t, err.Error(), "unknown flag")
}

// TestRootCommand_RejectsSubcommandFlags tests that flags meant for
// subcommands (like --store-id) are rejected when passed to root command
func TestRootCommand_RejectsSubcommandFlags(t *testing.T) {
	clearEnv(t)

	_, _, err := execute(context.Background(), "--store-id", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag: --store-id")
}

func TestSetVersionInfo(t *testing.T) {
	prev := rootCmd.Version
	t.Cleanup(func() { rootCmd.Version = prev })

	SetVersionInfo("1.2.3", "abc123", "2024-05-01")
	assert.Equal(t, "1.2.3 (commit: abc123, built: 2024-05-01)", rootCmd.Version)
}

func TestRootCommand_InvalidOutputFormat(t *testing.T) {
	setupCLI(t)

	_, stderr, err := execute(context.Background(), "whoami", "--output", "yaml")
	require.EqualError(t, err, "invalid output format")
	assert.Contains(t, stderr.String(), "Valid formats: default, json")
}
