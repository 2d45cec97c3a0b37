package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/teamsforge/internal/azauth"
	"github.com/soyeahso/teamsforge/internal/bot"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/history"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/llm"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/soyeahso/teamsforge/internal/store"
)

// newTurnHandler builds the bot turn handler for the configured mode. The
// returned close func releases the history store.
func newTurnHandler(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*bot.Handler, func(), error) {
	opts := bot.OptionsFromConfig(cfg.Bot, cfg.Completion)
	if opts.Mode != bot.ModeCompletion {
		return bot.NewHandler(opts, nil, nil, m, log), func() {}, nil
	}

	if err := config.RequireCompletion(cfg); err != nil {
		return nil, nil, err
	}
	client, err := llm.NewFromConfig(cfg.Completion, log)
	if err != nil {
		return nil, nil, fmt.Errorf("creating completion client: %w", err)
	}
	hist, err := history.Open(ctx, cfg.History, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history store: %w", err)
	}
	log.Info().
		Str("provider", client.Name()).
		Str("model", cfg.Completion.Model).
		Str("history", cfg.History.Store).
		Msg("completion mode enabled")

	return bot.NewHandler(opts, hist, client, m, log), func() { hist.Close() }, nil
}

// openLedger opens the bot ledger unless it is disabled. The ledger is nil
// when disabled.
func openLedger(cfg *config.Config) (*store.Ledger, func(), error) {
	if cfg.Store.Disabled {
		return nil, func() {}, nil
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("creating data directories: %w", err)
	}
	db, err := store.Open(paths.LedgerPath(cfg.Store), log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store.NewLedger(db), func() { db.Close() }, nil
}

// newExchanger returns the service-principal token exchanger, or nil when
// the Azure credentials are not configured.
func newExchanger(cfg *config.Config) *azauth.Exchanger {
	if err := config.RequireAzureCredentials(cfg); err != nil {
		log.Warn().Err(err).Msg("server-side token exchange disabled")
		return nil
	}
	return azauth.FromConfig(cfg.Azure, log)
}

// newOrchestrator wires the provisioning sequence against the configured
// tenant. exchanger, ledger and events may be nil; without an exchanger every
// request must carry its own tokens.
func newOrchestrator(cfg *config.Config, exchanger *azauth.Exchanger, ledger *store.Ledger, events *hooks.Manager, m *metrics.Metrics) (*provision.Orchestrator, error) {
	if err := config.RequireProvisioning(cfg); err != nil {
		return nil, err
	}

	var tokens provision.TokenProvider
	if exchanger != nil {
		tokens = exchanger
	}
	var l provision.Ledger
	if ledger != nil {
		l = ledger
	}
	var e provision.Emitter
	if events != nil {
		e = events
	}
	return provision.FromConfig(cfg, tokens, l, e, m, log), nil
}

// isMissing reports whether err names unset configuration.
func isMissing(err error) bool {
	var missing *config.MissingError
	return errors.As(err, &missing)
}
