package cli

import (
	"github.com/spf13/cobra"
)

// newIndexCmd creates the "index" command group.
func newIndexCmd(root *RootOptions) *cobra.Command {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the search index",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the index with the bundled mapping if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexCreate(cmd.Context(), root)
		},
	}

	indexCmd.AddCommand(createCmd)
	return indexCmd
}

// newCheckpointCmd creates the "checkpoint" command group.
func newCheckpointCmd(root *RootOptions) *cobra.Command {
	var yes bool

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the synchronization checkpoint",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the last sync timestamp and the ids seen by an unfinished run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointShow(cmd.Context(), root, cmd.OutOrStdout())
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the checkpoint so the next sync re-reads everything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointReset(cmd.Context(), root, yes, cmd.OutOrStdout())
		},
	}
	resetCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the reset")

	checkpointCmd.AddCommand(showCmd, resetCmd)
	return checkpointCmd
}
