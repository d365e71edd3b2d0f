// Command ghostsync keeps local JSON buckets in sync with a remote authority.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/config"
	"github.com/steveyegge/ghostsync/internal/logging"
	"github.com/steveyegge/ghostsync/internal/schema"
	"github.com/steveyegge/ghostsync/internal/storage"
)

const version = "0.1.0"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	quiet      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "ghostsync",
		Short: "Offline-first JSON object sync",
		Long: `ghostsync keeps buckets of JSON objects in a local store and syncs them
with a remote authority over a websocket.

Edits made while offline are queued and merged with remote edits when the
connection comes back.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: ./ghostsync.yaml or ~/.config/ghostsync/ghostsync.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every protocol message")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Discard log output")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	root.AddCommand(
		newSyncCmd(opts),
		newStatusCmd(opts),
		newResetCmd(opts),
		newImportCmd(opts),
		newExportCmd(opts),
		newDiffCmd(),
		newConfigCmd(opts),
		newBenchCmd(opts),
	)
	return root
}

// loadConfig reads the config and applies the persistent flags.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Log.Verbose = true
	}
	return cfg, nil
}

// logs builds the logger factory for cfg.
func (o *globalOptions) logs(cfg *config.Config) *logging.Factory {
	return logging.NewFactory(logging.Options{
		File:  cfg.Log.File,
		Quiet: o.quiet,
	})
}

// openStore opens the configured local store.
func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(cfg.Storage, cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage, err)
	}
	return store, nil
}

// bucketNames returns args when given, else the configured buckets.
func bucketNames(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Buckets) == 0 {
		return nil, fmt.Errorf("no buckets configured (set buckets in the config or pass bucket names)")
	}
	return cfg.Buckets, nil
}

// clientID returns the configured client id, or one persisted in the data
// directory so every run of this install reports the same id.
func clientID(cfg *config.Config) (string, error) {
	if cfg.ClientID != "" {
		return cfg.ClientID, nil
	}
	if cfg.Storage == config.StorageMemory {
		return schema.NewChangeID(), nil
	}

	path := filepath.Join(cfg.DataDir, "client_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := schema.NewChangeID()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", cfg.DataDir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to save client id: %w", err)
	}
	return id, nil
}

// closeQuietly closes c, reporting a failure on w.
func closeQuietly(w io.Writer, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		fmt.Fprintf(w, "Warning: failed to close %s: %v\n", what, err)
	}
}
