package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/teamsforge/internal/botauth"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/connector"
	"github.com/soyeahso/teamsforge/internal/gateway"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot messaging endpoint and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			serverLog, logCloser, err := logging.NewFromOptions(logging.Options{
				Level:        cfg.Logging.Level,
				ConsoleStyle: cfg.Logging.ConsoleStyle,
				File:         cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logCloser.Close()
			log = serverLog

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Load raw config for RPC access
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			var m *metrics.Metrics
			if !cfg.Metrics.Disabled {
				m = metrics.New()
			}

			hookMgr := hooks.NewManager(log)
			if n := hookMgr.RegisterConfig(cfg.Hooks); n > 0 {
				log.Info().Int("hooks", n).Msg("command hooks registered")
			}

			opts := []gateway.ServerOption{
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(hookMgr),
				gateway.WithMetrics(m),
			}

			botOpt, closeBot, err := wireBot(ctx, &cfg, m)
			if err != nil {
				return err
			}
			defer closeBot()
			opts = append(opts, botOpt)

			provOpt, closeProv, err := wireProvisioning(&cfg, hookMgr, m)
			if err != nil {
				return err
			}
			defer closeProv()
			opts = append(opts, provOpt)

			srv := gateway.New(cfg, log, opts...)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}

// wireBot builds the inbound side: authenticator, turn handler and connector.
// A missing APP_ID leaves the authenticator unset so every activity is
// rejected; a missing APP_PASSWORD returns replies in the HTTP response only.
func wireBot(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (gateway.ServerOption, func(), error) {
	turns, closeTurns, err := newTurnHandler(ctx, cfg, m)
	if err != nil {
		return nil, nil, err
	}

	var auth gateway.BotAuthenticator
	if err := config.RequireBot(cfg); err != nil {
		log.Warn().Err(err).Msg("inbound activities will be rejected")
	} else {
		auth = botauth.FromConfig(cfg.Bot, log)
	}

	var sender gateway.ReplySender
	client, err := connector.FromConfig(ctx, cfg.Bot, cfg.Azure.AuthorityHost, m, log)
	switch {
	case errors.Is(err, connector.ErrDisabled):
		log.Info().Msg("APP_PASSWORD not set; replies are returned in the HTTP response only")
	case err != nil:
		closeTurns()
		return nil, nil, err
	default:
		sender = client
	}

	log.Info().Str("mode", string(turns.Mode())).Bool("connector", sender != nil).Msg("bot ready")
	return gateway.WithBot(auth, turns, sender), closeTurns, nil
}

// wireProvisioning builds the operator side. Missing subscription settings
// disable bot creation but keep token exchange and the ledger available.
func wireProvisioning(cfg *config.Config, events *hooks.Manager, m *metrics.Metrics) (gateway.ServerOption, func(), error) {
	ledger, closeLedger, err := openLedger(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		provisioner gateway.Provisioner
		tokens      gateway.TokenExchanger
		botLedger   gateway.BotLedger
	)
	if ledger != nil {
		botLedger = ledger
	}

	exchanger := newExchanger(cfg)
	if exchanger != nil {
		tokens = exchanger
	}

	orch, err := newOrchestrator(cfg, exchanger, ledger, events, m)
	switch {
	case isMissing(err):
		log.Warn().Err(err).Msg("bot provisioning disabled")
	case err != nil:
		closeLedger()
		return nil, nil, err
	default:
		provisioner = orch
	}

	return gateway.WithProvisioning(provisioner, tokens, botLedger), closeLedger, nil
}
