package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/spf13/cobra"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Build Teams app manifest packages",
	}

	cmd.AddCommand(newManifestBuildCmd())
	return cmd
}

func newManifestBuildCmd() *cobra.Command {
	var (
		opts provision.ManifestOptions
		out  string
	)

	cmd := &cobra.Command{
		Use:   "build <msaAppId> <name>",
		Short: "Write a sideloadable manifest zip for a bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AppID = args[0]
			opts.Name = args[1]

			if opts.WebsiteURL == "" {
				if cfg, err := config.Load(paths.Config); err == nil && strings.HasPrefix(cfg.Gateway.PublicURL, "https://") {
					opts.WebsiteURL = cfg.Gateway.PublicURL
				}
			}

			pkg, err := provision.BuildManifest(opts)
			if err != nil {
				return err
			}

			if out == "" {
				if err := paths.EnsureDirs(); err != nil {
					return err
				}
				out = filepath.Join(paths.Manifest, provision.ManifestFileName(opts.Name))
			}
			if err := os.WriteFile(out, pkg, 0o644); err != nil {
				return fmt.Errorf("writing manifest: %w", err)
			}

			fmt.Println(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default ~/.teamsforge/manifests/<name>-manifest.zip)")
	cmd.Flags().StringVar(&opts.ShortDescription, "short-description", "", "short description shown in Teams")
	cmd.Flags().StringVar(&opts.FullDescription, "full-description", "", "full description shown in Teams")
	cmd.Flags().StringVar(&opts.DeveloperName, "developer", "", "developer name")
	cmd.Flags().StringVar(&opts.WebsiteURL, "website", "", "developer website (https); defaults to gateway.publicUrl")
	cmd.Flags().StringVar(&opts.AccentColor, "accent", "", "accent color as #RRGGBB")
	cmd.Flags().StringVar(&opts.Version, "version", "", "app package version")

	return cmd
}
