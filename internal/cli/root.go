// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions carries the flags every sub-command shares.
type RootOptions struct {
	ConfigFile string
}

func NewRootCmd() *cobra.Command {
	opts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "moviesync",
		Short: "moviesync - incremental Postgres to search index synchronization",
		Long: `moviesync copies film works changed since the last completed run from
Postgres into a search index (Elasticsearch or MongoDB). Progress is kept in a
checkpoint so an interrupted run resumes without re-sending what it already sent.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to an optional YAML config file")

	rootCmd.AddCommand(NewSyncCmd(opts))
	rootCmd.AddCommand(newIndexCmd(opts))
	rootCmd.AddCommand(newCheckpointCmd(opts))

	return rootCmd
}
