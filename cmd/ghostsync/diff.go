package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/ui"
)

func newDiffCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:     "diff <a.json> <b.json>",
		GroupID: "data",
		Short:   "Print the wire diff between two JSON files",
		Long: `Compute the diff that turns a.json into b.json, as it would be sent in a
change. With --apply the diff is applied back to a.json and checked against
b.json.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readJSONFile(args[0])
			if err != nil {
				return err
			}
			b, err := readJSONFile(args[1])
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			op := jsondiff.Diff(a, b)
			if op.IsEmpty() {
				p.Muted("no differences")
				return nil
			}

			raw, err := op.MarshalJSON()
			if err != nil {
				return fmt.Errorf("failed to encode diff: %w", err)
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return fmt.Errorf("failed to format diff: %w", err)
			}
			for _, line := range strings.Split(pretty.String(), "\n") {
				p.DiffLine(line)
			}

			if !apply {
				return nil
			}
			got, err := jsondiff.Apply(a, op)
			if err != nil {
				return fmt.Errorf("failed to apply diff: %w", err)
			}
			if !got.Equal(b) {
				return fmt.Errorf("applied diff does not reproduce %s: got %s", args[1], got)
			}
			p.Success("diff applies cleanly")
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Apply the diff and verify the result")
	return cmd
}

func readJSONFile(path string) (jsondiff.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := jsondiff.Parse(data)
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
