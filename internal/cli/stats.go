package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths and persisted metric counts",
		Long: `Show the sync queue and the hourly metric counts persisted by a running node.

Examples:
  crmsync stats
  crmsync stats --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
	return cmd
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	n, err := openNode(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.close()

	ctx := cmd.Context()
	stats, err := n.engine.GetSyncStats(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read sync stats", err)
	}
	buckets, err := n.store.ListMetricBuckets(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read metrics", err)
	}

	view := newStatsView(stats, buckets)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(view, func(w io.Writer) error {
		return renderStats(w, view)
	})
}
