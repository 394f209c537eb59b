package commands

import (
	"fmt"
	"io"
	"time"

	"versionstore/pkg/core"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <ref-or-commit>",
		Short: "Show commit logs",
		Long:  `Display the commit history starting from the given reference or commit, following first parents.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, err := resolveID(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if from.IsEmpty() {
				fmt.Fprintln(out, "No commits yet.")
				return nil
			}

			n := 0
			for commit, err := range VST.Commits.Log(ctx, from) {
				if err != nil {
					return err
				}
				printCommitLog(out, commit)
				if n++; limit > 0 && n >= limit {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "limit the number of commits to show")
	return cmd
}

// printCommitLog 仿 Git 格式输出
func printCommitLog(w io.Writer, c *core.CommitObj) {
	yellow := color.New(color.FgYellow)
	yellow.Fprintf(w, "commit %s", c.ID())
	if c.CommitType == core.CommitInternal {
		fmt.Fprint(w, " (internal)")
	}
	fmt.Fprintln(w)
	if a, ok := c.Headers.First("Author"); ok {
		fmt.Fprintf(w, "Author: %s\n", a)
	}
	created := time.UnixMicro(c.Created)
	fmt.Fprintf(w, "Date:   %s (%s)\n", created.Format(time.RFC1123), humanize.Time(created))
	fmt.Fprintf(w, "Seq:    %d\n", c.Seq)
	fmt.Fprintf(w, "\n    %s\n\n", c.Message)
}
