package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/soyeahso/teamsforge/internal/azauth"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the service principal credentials for Graph and ARM tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if err := config.RequireAzureCredentials(&cfg); err != nil {
				return err
			}
			ex := azauth.FromConfig(cfg.Azure, log)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			switch scope {
			case "", "both":
				graph, arm, err := ex.Tokens(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"graphToken": graph, "azureToken": arm})
			case "graph":
				tok, err := ex.Token(ctx, azauth.GraphScope)
				if err != nil {
					return err
				}
				return printJSON(tok)
			case "arm":
				tok, err := ex.Token(ctx, azauth.ManagementScope)
				if err != nil {
					return err
				}
				return printJSON(tok)
			default:
				return fmt.Errorf("unknown scope %q (want graph, arm or both)", scope)
			}
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "both", "token audience: graph, arm or both")
	return cmd
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
