package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/config"
	"github.com/steveyegge/ghostsync/internal/ui"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	var (
		format   string
		initPath string
	)
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "setup",
		Short:   "Show the effective configuration",
		Long: `Print the configuration after merging the config file, GHOSTSYNC_
environment variables and defaults.

  ghostsync config                      # YAML
  ghostsync config --format toml        # TOML
  ghostsync config --init ghostsync.yaml  # write a starter file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initPath != "" {
				if _, err := os.Stat(initPath); err == nil {
					return fmt.Errorf("%s already exists", initPath)
				}
				cfg := config.Default()
				cfg.AppID = "your-app-id"
				cfg.Token = "your-token"
				cfg.Buckets = []string{"notes"}
				if err := cfg.Save(initPath); err != nil {
					return err
				}
				ui.NewPrinter(cmd.OutOrStdout()).Success("Wrote %s", initPath)
				return nil
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "yaml", "yml":
				data, err := cfg.YAML()
				if err != nil {
					return err
				}
				if cfg.Source != "" {
					fmt.Fprintf(out, "# from %s\n", cfg.Source)
				}
				_, err = out.Write(data)
				return err
			case "toml":
				if cfg.Source != "" {
					fmt.Fprintf(out, "# from %s\n", cfg.Source)
				}
				return cfg.RenderTOML(out)
			default:
				return fmt.Errorf("unknown format %q (want yaml or toml)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or toml")
	cmd.Flags().StringVar(&initPath, "init", "", "Write a starter config to this path")
	return cmd
}
