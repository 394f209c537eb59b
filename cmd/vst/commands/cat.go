package commands

import (
	"fmt"

	"versionstore/pkg/core"
	"versionstore/pkg/exporter"

	"github.com/spf13/cobra"
)

func newCatCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "cat <ref-or-id>",
		Short: "Print an object",
		Long:  `Print the object with the given id, or the head commit of a reference.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := exporter.ParseFormat(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id, err := resolveID(ctx, args[0])
			if err != nil {
				return err
			}
			if id.IsEmpty() {
				return fmt.Errorf("%s has no commit yet", args[0])
			}
			obj, err := VST.Persist.FetchObj(ctx, id)
			if err != nil {
				return err
			}
			return exporter.Render(cmd.OutOrStdout(), obj, format)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text or yaml)")
	return cmd
}

func newScanCmd() *cobra.Command {
	var typeNames []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List stored objects of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := core.AllObjTypes()
			if len(typeNames) > 0 {
				filter = filter[:0]
				for _, name := range typeNames {
					t, err := core.ParseObjType(name)
					if err != nil {
						return err
					}
					filter = append(filter, t)
				}
			}

			out := cmd.OutOrStdout()
			for obj, err := range VST.Persist.Objects(cmd.Context(), filter) {
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", obj.ID(), obj.Type())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&typeNames, "type", "t", nil, "object types to include (default all)")
	return cmd
}
