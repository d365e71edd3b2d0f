package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/loadtest"
	"github.com/steveyegge/ghostsync/internal/logging"
	"github.com/steveyegge/ghostsync/internal/storage"
	"github.com/steveyegge/ghostsync/internal/ui"
)

// benchReport is the --json output of the bench command.
type benchReport struct {
	Backend  string             `json:"backend"`
	Saves    int                `json:"saves"`
	Errors   int                `json:"errors"`
	Elapsed  string             `json:"elapsed"`
	MeanUS   int64              `json:"mean_us"`
	P95US    int64              `json:"p95_us"`
	P99US    int64              `json:"p99_us"`
	Verified bool               `json:"verified"`
	Buckets  []loadtest.Summary `json:"buckets"`
}

func newBenchCmd(opts *globalOptions) *cobra.Command {
	lt := loadtest.DefaultOptions()
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "bench",
		GroupID: "setup",
		Short:   "Measure local save throughput of a storage backend",
		Long: `Run concurrent writers that save objects into scratch buckets and report
save latency. Nothing is sent to the authority.

The store is created in a temporary directory and removed afterwards.

Examples:
  # 10 writers per bucket on the in-memory store
  ghostsync bench

  # 50 writers on sqlite, 20 revisions per object
  ghostsync bench --storage sqlite --writers 50 --rounds 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lt.Backend != storage.BackendMemory {
				dir, err := os.MkdirTemp("", "ghostsync-bench-")
				if err != nil {
					return fmt.Errorf("failed to create scratch dir: %w", err)
				}
				defer os.RemoveAll(dir)
				lt.Path = filepath.Join(dir, "bench."+lt.Backend)
			}
			lt.Logger = logging.New("bench", logging.Options{Quiet: opts.quiet})

			run, err := loadtest.Setup(lt)
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "bench store", run)

			stats, err := run.RunConcurrentSaves()
			if err != nil {
				return err
			}
			verifyErr := run.Verify()
			summaries, err := run.GetStats()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(benchReport{
					Backend:  lt.Backend,
					Saves:    stats.TotalSaves,
					Errors:   stats.Errors,
					Elapsed:  stats.Elapsed.String(),
					MeanUS:   stats.Mean.Microseconds(),
					P95US:    stats.P95.Microseconds(),
					P99US:    stats.P99.Microseconds(),
					Verified: verifyErr == nil,
					Buckets:  summaries,
				}); err != nil {
					return err
				}
				return verifyErr
			}

			p := ui.NewPrinter(out)
			p.Title("%s: %d buckets x %d writers x %d keys x %d rounds",
				lt.Backend, lt.Buckets, lt.Writers, lt.Keys, lt.Rounds)
			stats.Print(out)
			for _, s := range summaries {
				p.Muted("%s: %d objects, %d queued, %d queue bytes", s.Bucket, s.Objects, s.Queued, s.QueueBytes)
			}
			if verifyErr != nil {
				p.Error("verification failed: %v", verifyErr)
				return verifyErr
			}
			p.Success("all revisions stored and queued")
			return nil
		},
	}
	cmd.Flags().StringVar(&lt.Backend, "storage", lt.Backend, "Storage backend: memory, sqlite or bolt")
	cmd.Flags().IntVar(&lt.Buckets, "buckets", lt.Buckets, "Number of buckets")
	cmd.Flags().IntVar(&lt.Writers, "writers", lt.Writers, "Concurrent writers per bucket")
	cmd.Flags().IntVar(&lt.Keys, "keys", lt.Keys, "Objects owned by each writer")
	cmd.Flags().IntVar(&lt.Rounds, "rounds", lt.Rounds, "Revisions saved per object")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	return cmd
}
