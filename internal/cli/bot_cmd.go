package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/spf13/cobra"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Create and list Azure bot registrations",
	}

	cmd.AddCommand(newBotCreateCmd())
	cmd.AddCommand(newBotListCmd())
	cmd.AddCommand(newBotLedgerCmd())
	return cmd
}

func newBotCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register an AD application and Azure Bot Service for a new bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ledger, closeLedger, err := openLedger(&cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			events := hooks.NewManager(log)
			events.RegisterConfig(cfg.Hooks)

			orch, err := newOrchestrator(&cfg, newExchanger(&cfg), ledger, events, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			result, err := orch.CreateBot(ctx, provision.CreateBotRequest{
				BotName:     args[0],
				Description: description,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Bot successfully created! The client secret below is shown only once.")
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "short description stored on the AD application")
	return cmd
}

func newBotListCmd() *cobra.Command {
	var azureToken string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bot services in the configured resource group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(&cfg, newExchanger(&cfg), nil, nil, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			bots, err := orch.ListBots(ctx, azureToken)
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				fmt.Println("No bot services found.")
				return nil
			}
			for _, b := range bots {
				fmt.Printf("%-40s app=%s endpoint=%s\n", b.Name, b.Properties.MsaAppID, b.Properties.Endpoint)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&azureToken, "azure-token", "", "ARM bearer token (default: exchange the configured credentials)")
	return cmd
}

func newBotLedgerCmd() *cobra.Command {
	var failures bool

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show bots provisioned from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Store.Disabled {
				return fmt.Errorf("the ledger is disabled (store.disabled)")
			}

			ledger, closeLedger, err := openLedger(&cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			if failures {
				list, err := ledger.Failures(cmd.Context(), 0)
				if err != nil {
					return err
				}
				for _, f := range list {
					fmt.Printf("%s  %-30s step=%s rolledBack=%v  %s\n",
						f.CreatedAt.Format(time.DateTime), f.BotName, f.Step, f.RolledBack, f.Error)
				}
				return nil
			}

			bots, err := ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				fmt.Println("No bots recorded.")
				return nil
			}
			for _, b := range bots {
				fmt.Printf("%s  %-30s app=%s resource=%s\n",
					b.CreatedAt.Format(time.DateTime), b.BotName, b.AppID, b.ResourceName)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failures, "failures", false, "show failed provisioning attempts instead")
	return cmd
}
