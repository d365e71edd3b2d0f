package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/ui"
)

func newResetCmd(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "reset <bucket>",
		GroupID: "sync",
		Short:   "Drop all local state of a bucket",
		Long: `Remove every object, ghost, queued change and the change version of a
bucket from the local store. The next sync loads the bucket index again.

Changes that were never acknowledged are lost, so --force is required when
the bucket has any.`,
		Args: cobra.ExactArgs(1),
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

			name := args[0]
			st, err := readStatus(store, name, nil)
			if err != nil {
				return err
			}
			if st.Queued+st.Pending > 0 && !force {
				return fmt.Errorf("%s has %d unsent change(s); use --force to discard them", name, st.Queued+st.Pending)
			}

			if err := store.ResetBucket(name); err != nil {
				return fmt.Errorf("failed to reset %s: %w", name, err)
			}
			ui.NewPrinter(cmd.OutOrStdout()).Success("Reset %s (%d objects removed)", name, st.Objects)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Discard unsent changes")
	return cmd
}
