package commands

import (
	"fmt"
	"time"

	"versionstore/pkg/commitlog"
	"versionstore/pkg/config"
	"versionstore/pkg/core"
	"versionstore/pkg/importer"
	"versionstore/pkg/index"
	"versionstore/pkg/refs"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newImportCmd() *cobra.Command {
	var (
		message, prefix, compression string
		prune, dryRun                bool
		excludes                     []string
	)
	cmd := &cobra.Command{
		Use:   "import <branch> <dir>",
		Short: "Commit the files of a directory as keys",
		Long: `Store every file under dir (honouring .vstignore) and commit one key per file,
named by its path under --prefix. Files whose content did not change are skipped.
With --prune, keys whose files were deleted are removed; ignored files are left alone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comp, err := core.ParseCompression(compression)
			if err != nil {
				return err
			}
			opts := importer.Options{Compression: comp, Prune: prune, Exclude: excludes}
			// 磁盘后端的目录在导入目录里时，不能把仓库自己导进去
			if viper.GetString(config.KeyBackendType) == "disk" {
				if rule, ok := importer.AnchoredRule(args[1], viper.GetString("backend.disk.path")); ok {
					opts.Exclude = append(opts.Exclude, rule)
				}
			}
			if prefix != "" {
				if opts.Prefix, err = index.ParseKey(prefix); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			start := time.Now()

			ref, err := branchRef(ctx, args[0])
			if err != nil {
				return err
			}
			parent, err := VST.Commits.FetchCommit(ctx, ref.Pointer)
			if err != nil {
				return err
			}

			plan, err := VST.Importer.Plan(ctx, args[1], parent, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range plan.Adds {
				if a.Expected.IsEmpty() {
					color.New(color.FgGreen).Fprintf(out, "+ %s\n", a.Key)
				} else {
					color.New(color.FgYellow).Fprintf(out, "~ %s\n", a.Key)
				}
			}
			for _, r := range plan.Removes {
				color.New(color.FgRed).Fprintf(out, "- %s\n", r.Key)
			}
			if plan.Empty() {
				fmt.Fprintf(out, "nothing to commit, %d files unchanged\n", plan.Unchanged)
				return nil
			}
			if dryRun {
				return nil
			}

			if message == "" {
				message = fmt.Sprintf("import %s", args[1])
			}
			commit, updated, err := VST.Commits.CommitToReference(ctx, ref, commitlog.CreateCommit{
				Parent:  ref.Pointer,
				Message: message,
				Headers: core.CommitHeaders{}.Add("Author", author()),
				Adds:    plan.Adds,
				Removes: plan.Removes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "[%s %s] %s\n", refs.ShortName(updated.Name), color.YellowString(shortID(commit.ID())), message)
			fmt.Fprintf(out, "   %d files (%s), %d changed, %d removed in %s\n",
				plan.Files, humanize.Bytes(uint64(plan.Bytes)), len(plan.Adds), len(plan.Removes), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message (default \"import <dir>\")")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key path to import under")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "part compression (none, gzip, deflate, zstd, lz4, snappy)")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove keys under --prefix whose files are gone")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the changes")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "extra ignore pattern, .vstignore syntax (repeatable)")
	return cmd
}
