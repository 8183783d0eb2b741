package cli

import (
	"github.com/spf13/cobra"
)

type SyncOptions struct {
	*RootOptions
	DryRun    bool
	ChunkSize int
}

func NewSyncCmd(root *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental synchronization",
		Long: `Reads every film work modified after the checkpoint, newest first, in chunks,
and upserts the documents into the sink. The checkpoint advances only when the
whole run succeeds.`,
		RunE: func(c *cobra.Command, args []string) error {
			return runSync(c.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Extract and transform without writing to the sink or the checkpoint")
	cmd.Flags().IntVarP(&opts.ChunkSize, "chunk-size", "b", 0, "Records per chunk (overrides source.chunk_size)")

	return cmd
}
