package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/bucket"
	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/config"
	"github.com/steveyegge/ghostsync/internal/importer"
	"github.com/steveyegge/ghostsync/internal/logging"
	"github.com/steveyegge/ghostsync/internal/storage"
	"github.com/steveyegge/ghostsync/internal/transport"
	"github.com/steveyegge/ghostsync/internal/ui"
)

// offline is the transport of buckets opened outside a sync. The channel
// never sends while disconnected, so Send is not reached.
type offline struct{}

func (offline) Send(string) error { return transport.ErrNotConnected }

// openOffline opens name for local edits; changes are queued for the next sync.
func openOffline(cfg *config.Config, store storage.Store, name string, logs *logging.Factory) (*bucket.Bucket, error) {
	id, err := clientID(cfg)
	if err != nil {
		return nil, err
	}
	return bucket.New(name, store, offline{}, &channel.Config{
		AppID:    cfg.AppID,
		ClientID: id,
		Library:  "ghostsync",
		Version:  version,
		PageSize: cfg.PageSize,
		Logger:   logs.Logger("channel " + name),
	})
}

func newImportCmd(opts *globalOptions) *cobra.Command {
	var importOpts importer.Options
	cmd := &cobra.Command{
		Use:     "import <bucket> <file.jsonl>",
		GroupID: "data",
		Short:   "Load objects from a JSONL file",
		Long: `Save each {"id": ..., "data": {...}} line of a JSONL file into a bucket.

Objects are saved locally and queued; the next sync sends them. Existing
objects are kept unless --overwrite is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			records, err := importer.FromJSONL(args[1])
			if err != nil {
				return err
			}
			logs := opts.logs(cfg)
			defer logs.Close()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "store", store)

			b, err := openOffline(cfg, store, args[0], logs)
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "bucket", b)

			result, err := importer.Import(b, records, importOpts)
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			verb := "Imported"
			if importOpts.DryRun {
				verb = "Would import"
			}
			p.Success("%s %d object(s) into %s, %d skipped", verb, result.Imported, args[0], result.Skipped)
			for _, e := range result.Errors {
				p.Error("%s", e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d record(s) failed", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&importOpts.DryRun, "dry-run", false, "Preview without saving")
	cmd.Flags().BoolVar(&importOpts.Overwrite, "overwrite", false, "Replace existing objects")
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "export <bucket> [file.jsonl]",
		GroupID: "data",
		Short:   "Write a bucket's objects as JSONL",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logs := opts.logs(cfg)
			defer logs.Close()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "store", store)

			b, err := openOffline(cfg, store, args[0], logs)
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "bucket", b)

			var out io.Writer = cmd.OutOrStdout()
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[1], err)
				}
				defer f.Close()
				out = f
			}

			n, err := importer.WriteJSONL(out, b)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				ui.NewPrinter(cmd.OutOrStdout()).Success("Exported %d object(s) to %s", n, args[1])
			}
			return nil
		},
	}
}
