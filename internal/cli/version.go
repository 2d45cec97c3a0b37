package cli

import (
	"encoding/json"
	"fmt"

	"github.com/soyeahso/teamsforge/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var asJSON, short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of teamsforge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(version.Build())
			case short:
				fmt.Fprintln(out, version.Version)
			default:
				fmt.Fprintln(out, version.Info())
				fmt.Fprintf(out, "user agent: %s\n", version.UserAgent())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build metadata as JSON")
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	cmd.MarkFlagsMutuallyExclusive("json", "short")
	return cmd
}
