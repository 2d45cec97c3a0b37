package cli

import (
	"fmt"
	"os"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show teamsforge status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("teamsforge %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Printf("Config:    %s\n", paths.Config)
			fmt.Printf("Data:      %s\n", paths.Data)
			fmt.Printf("Logs:      %s\n", paths.Logs)
			fmt.Printf("Manifests: %s\n", paths.Manifest)
			fmt.Println()

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Println("Config:    not found (using defaults and environment)")
			}

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:    error loading: %v\n", err)
				return nil
			}

			fmt.Printf("Gateway:   port=%d bind=%s auth=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled)
			publicURL := cfg.Gateway.PublicURL
			if publicURL == "" {
				publicURL = "(not set)"
			}
			fmt.Printf("Endpoint:  %s\n", publicURL)

			// Bot
			fmt.Printf("Bot:       mode=%s welcome=%v\n", cfg.Bot.Mode, config.BoolValue(cfg.Bot.Welcome, true))
			if cfg.Bot.Mode == "completion" {
				fmt.Printf("Completion: provider=%s model=%s history=%s\n",
					cfg.Completion.Provider, cfg.Completion.Model, cfg.History.Store)
			}

			// Which components have what they need
			checks := []struct {
				name string
				err  error
			}{
				{"Inbound auth", config.RequireBot(&cfg)},
				{"Token exchange", config.RequireAzureCredentials(&cfg)},
				{"Provisioning", config.RequireProvisioning(&cfg)},
			}
			if cfg.Bot.Mode == "completion" {
				checks = append(checks, struct {
					name string
					err  error
				}{"Completion", config.RequireCompletion(&cfg)})
			}
			fmt.Println()
			for _, c := range checks {
				if c.err != nil {
					fmt.Printf("%-15s missing: %v\n", c.name+":", c.err)
				} else {
					fmt.Printf("%-15s ok\n", c.name+":")
				}
			}
			if cfg.Bot.AppPassword == "" {
				fmt.Printf("%-15s disabled (APP_PASSWORD not set)\n", "Connector:")
			} else {
				fmt.Printf("%-15s ok\n", "Connector:")
			}

			// Ledger
			if cfg.Store.Disabled {
				fmt.Printf("%-15s disabled\n", "Ledger:")
			} else {
				fmt.Printf("%-15s %s\n", "Ledger:", paths.LedgerPath(cfg.Store))
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
