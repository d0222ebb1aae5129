package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/magicclub/internal/config"
	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/logger"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/internal/telemetry"
	"github.com/dyluth/magicclub/pkg/loyalty"
	"github.com/dyluth/magicclub/pkg/session"
)

// app is the per-invocation wiring shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	gw       *session.Gateway
	manager  *session.Manager
	api      *loyalty.Client
	shutdown telemetry.ShutdownFunc
}

// newApp loads the configuration and builds the session stack.
// Caller must call close() when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{
				"Run 'mclub init' to create a default mclub.yml",
				"Check the MCLUB_* environment variables (see 'mclub config --env')",
			},
		)
	}

	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}

	log := logger.New(printer.ErrOut(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	shutdown, err := telemetry.SetupTracing(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName, cfg.Tracing.Insecure)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	httpClient, err := session.NewHTTPClient(cfg.API.Timeout)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics()
	gw, err := session.NewGateway(cfg.API.BaseURL, session.NewTokenStore(),
		session.WithHTTPClient(httpClient),
		session.WithLogger(log),
		session.WithObserver(metrics),
		session.WithDefaultHeaders(cfg.API.Headers),
		session.WithSessionExpiredHandler(func() {
			printer.Warning("Session expired, please log in again\n")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	log.Debug("configuration loaded", "api", cfg.API.BaseURL, "store", cfg.Store.ID)

	return &app{
		cfg:      cfg,
		logger:   log,
		metrics:  metrics,
		gw:       gw,
		manager:  session.NewManager(gw, session.WithManagerLogger(log)),
		api:      loyalty.New(gw),
		shutdown: shutdown,
	}, nil
}

// close flushes pending spans.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush traces", "error", err)
	}
}

// credentials identifies a user for a password login.
type credentials struct {
	Email    string
	DNI      string
	Password string
}

// ensureSession returns the current identity, logging in with the configured
// credentials when the silent refresh finds no session.
func (a *app) ensureSession(ctx context.Context) (*session.Identity, error) {
	a.manager.Boot(ctx)
	id, err := a.manager.RequireIdentity()
	if err == nil {
		return id, nil
	}
	a.logger.Debug("no session after refresh", "error", err)

	if !a.cfg.HasCredentials() {
		return nil, printer.Error(
			"not logged in",
			"No session is active and no credentials are configured.",
			[]string{
				"Set credentials.email (or credentials.dni) and credentials.password in mclub.yml",
				"Export MCLUB_EMAIL (or MCLUB_DNI) and MCLUB_PASSWORD",
			},
		)
	}

	return a.login(ctx, credentials{
		Email:    a.cfg.Credentials.Email,
		DNI:      a.cfg.Credentials.DNI,
		Password: a.cfg.Credentials.Password,
	})
}

// login authenticates with an email or DNI and a password.
func (a *app) login(ctx context.Context, c credentials) (*session.Identity, error) {
	a.manager.Boot(ctx)

	var (
		id  *session.Identity
		err error
	)
	if c.DNI != "" {
		id, err = a.manager.LoginWithDNI(ctx, c.DNI, c.Password)
	} else {
		id, err = a.manager.LoginWithPassword(ctx, c.Email, c.Password)
	}
	if err != nil {
		return nil, a.apiError("login failed", err, "Invalid credentials")
	}

	a.logger.Info("logged in", "subject", id.SubjectID, "role", id.Role)
	return id, nil
}

// requireRole fails unless id holds one of roles.
func requireRole(id *session.Identity, roles ...session.Role) error {
	for _, role := range roles {
		if id.Role == role {
			return nil
		}
	}

	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return printer.ErrorWithContext(
		"permission denied",
		"This command is not available to your account.",
		map[string]string{
			"Role":     string(id.Role),
			"Requires": strings.Join(names, " or "),
		},
		nil,
	)
}

// apiError renders a failed call. The explanation is the backend's own message
// when it sent one.
func (a *app) apiError(title string, err error, fallback string) error {
	details := map[string]string{"API": a.cfg.API.BaseURL}
	if code := session.StatusCode(err); code != 0 {
		details["Status"] = strconv.Itoa(code)
	}

	explanation := session.ErrorMessage(err, fallback)
	var suggestions []string
	switch {
	case errors.Is(err, loyalty.ErrInvalidArgument):
		explanation = err.Error()
	case errors.Is(err, session.ErrSessionExpired):
		suggestions = []string{"Log in again with 'mclub login'"}
	case session.StatusCode(err) == 0:
		explanation = err.Error()
		suggestions = []string{"Check that api.base_url points at a running backend"}
	}

	a.logger.Debug("request failed", "title", title, "error", err)
	return printer.ErrorWithContext(title, explanation, details, suggestions)
}

// outputFormat validates the global --output flag.
func outputFormat() (format.OutputFormat, error) {
	f, err := format.ParseOutputFormat(outputFlag)
	if err != nil {
		return "", printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format %q.", outputFlag),
			[]string{"Valid formats: default, json"},
		)
	}
	return f, nil
}
