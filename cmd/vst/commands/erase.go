package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEraseCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Delete every object and reference of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := VST.Persist.RepositoryID()
			if !yes {
				return fmt.Errorf("refusing to erase repository %q without --yes", repo)
			}
			if err := VST.Persist.Erase(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "erased repository %q\n", repo)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm erasing")
	return cmd
}
