package commands

import (
	"fmt"
	"text/tabwriter"

	"versionstore/pkg/index"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var prefix, minKey, maxKey string
	cmd := &cobra.Command{
		Use:   "keys <ref-or-commit>",
		Short: "List the keys visible at a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			commit, err := resolveCommit(ctx, args[0])
			if err != nil {
				return err
			}
			keyspace, err := VST.Commits.Keyspace(ctx, commit)
			if err != nil {
				return err
			}

			var r index.Range
			for _, b := range []struct {
				path string
				dst  *index.StoreKey
			}{{prefix, &r.Prefix}, {minKey, &r.Min}, {maxKey, &r.Max}} {
				if b.path == "" {
					continue
				}
				if *b.dst, err = index.ParseKey(b.path); err != nil {
					return err
				}
			}
			entries, err := keyspace.Iterator(r)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Key, e.Value.Payload, e.Value.Value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys under this path")
	cmd.Flags().StringVar(&minKey, "min", "", "first key (inclusive)")
	cmd.Flags().StringVar(&maxKey, "max", "", "last key (inclusive)")
	return cmd
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Show keys that differ between two commits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, err := resolveCommit(ctx, args[0])
			if err != nil {
				return err
			}
			to, err := resolveCommit(ctx, args[1])
			if err != nil {
				return err
			}
			entries, err := VST.Commits.Diff(ctx, from, to)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				switch {
				case e.From == nil:
					color.New(color.FgGreen).Fprintf(out, "+ %s %s\n", e.Key, e.To.Value)
				case e.To == nil:
					color.New(color.FgRed).Fprintf(out, "- %s %s\n", e.Key, e.From.Value)
				default:
					color.New(color.FgYellow).Fprintf(out, "~ %s %s -> %s\n", e.Key, e.From.Value, e.To.Value)
				}
			}
			return nil
		},
	}
}
