package commands

import (
	"fmt"
	"text/tabwriter"

	"versionstore/pkg/core"
	"versionstore/pkg/refs"
	"versionstore/pkg/types"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "Manage branches and tags",
	}
	cmd.AddCommand(newRefsListCmd(), newRefsCreateCmd(), newRefsAssignCmd(), newRefsDeleteCmd(), newRefsTagCmd())
	return cmd
}

func newRefsListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := VST.Refs.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, ref := range list {
				kind := "branch"
				if refs.IsTag(ref.Name) {
					kind = "tag"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ref.Name, kind, shortID(ref.Pointer))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only names starting with this prefix (e.g. refs/tags/)")
	return cmd
}

func newRefsCreateCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create a branch, empty or pointing at --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pointer := types.EmptyObjID
			if from != "" {
				id, err := resolveID(ctx, from)
				if err != nil {
					return err
				}
				pointer = id
			}
			ref, err := VST.Refs.Create(ctx, refs.BranchName(args[0]), pointer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s at %s\n", ref.Name, shortID(ref.Pointer))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "reference or commit id to start from")
	return cmd
}

func newRefsAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <branch> <target>",
		Short: "Move a branch to another commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := branchRef(ctx, args[0])
			if err != nil {
				return err
			}
			to, err := resolveID(ctx, args[1])
			if err != nil {
				return err
			}
			updated, err := VST.Refs.Assign(ctx, ref, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", updated.Name, shortID(ref.Pointer), shortID(updated.Pointer))
			return nil
		},
	}
}

func newRefsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a branch or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := refs.BranchName(args[0])
			ref, err := VST.Refs.Get(ctx, name)
			if err != nil {
				return err
			}
			if err := VST.Refs.Delete(ctx, ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ref.Name)
			return nil
		},
	}
}

func newRefsTagCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "tag <name> <target>",
		Short: "Create an annotated tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			commit, err := resolveCommit(ctx, args[1])
			if err != nil {
				return err
			}
			if commit == nil {
				return fmt.Errorf("%s has no commit to tag", args[1])
			}
			headers := core.CommitHeaders{}.Add("Author", author())
			ref, err := VST.Refs.CreateTag(ctx, args[0], commit.ID(), message, headers)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tagged %s as %s\n", shortID(ref.Pointer), ref.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "tag message")
	return cmd
}

// author 从配置中读，如果没配就用默认值
func author() string {
	if a := viper.GetString("user.name"); a != "" {
		return a
	}
	return "versionstore user"
}
