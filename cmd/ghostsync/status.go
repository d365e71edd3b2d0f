package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/queue"
	"github.com/steveyegge/ghostsync/internal/storage"
	"github.com/steveyegge/ghostsync/internal/ui"
)

// bucketStatus is the offline view of one bucket.
type bucketStatus struct {
	Bucket        string `json:"bucket"`
	Objects       int    `json:"objects"`
	Ghosts        int    `json:"ghosts"`
	ChangeVersion string `json:"change_version"`
	Queued        int    `json:"queued"`
	Pending       int    `json:"pending"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status [bucket...]",
		GroupID: "sync",
		Short:   "Show local state of buckets",
		Long: `Display what the local store holds for each bucket.

Shows:
  - Number of objects and ghosts
  - Last change version received
  - Changes queued for sending and changes sent but not acknowledged`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			names, err := bucketNames(cfg, args)
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

			statuses := make([]bucketStatus, 0, len(names))
			for _, name := range names {
				st, err := readStatus(store, name, &queue.Config{Logger: logs.Logger("queue " + name)})
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			for _, st := range statuses {
				cv := st.ChangeVersion
				if cv == "" {
					cv = "none (index will be loaded)"
				}
				p.Title("%s", st.Bucket)
				p.Fields([]ui.Field{
					{Label: "objects", Value: fmt.Sprint(st.Objects)},
					{Label: "ghosts", Value: fmt.Sprint(st.Ghosts)},
					{Label: "change version", Value: cv},
					{Label: "queued", Value: p.Status(fmt.Sprint(st.Queued), st.Queued == 0, false)},
					{Label: "pending", Value: p.Status(fmt.Sprint(st.Pending), st.Pending == 0, false)},
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

// readStatus collects the stored counters of bucket.
func readStatus(store storage.Store, bucket string, qc *queue.Config) (bucketStatus, error) {
	stats, err := store.Stats(bucket)
	if err != nil {
		return bucketStatus{}, fmt.Errorf("failed to read stats of %s: %w", bucket, err)
	}
	q, err := queue.NewWithConfig(bucket, store, qc)
	if err != nil {
		return bucketStatus{}, fmt.Errorf("failed to load queue of %s: %w", bucket, err)
	}
	queued, pending := q.Counts()
	return bucketStatus{
		Bucket:        bucket,
		Objects:       stats.Objects,
		Ghosts:        stats.Ghosts,
		ChangeVersion: stats.ChangeVersion,
		Queued:        queued,
		Pending:       pending,
	}, nil
}
