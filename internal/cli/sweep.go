package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	MetricsRetention time.Duration
}

type sweepView struct {
	CacheEntries  int64 `json:"cache_entries"`
	MetricBuckets int   `json:"metric_buckets"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries and old metric buckets",
		Long: `Remove expired entries from the durable cache tiers and metric buckets
older than the retention. A running node sweeps the cache on its own.

Examples:
  crmsync sweep
  crmsync sweep --metrics-retention 168h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.MetricsRetention, "metrics-retention", 30*24*time.Hour, "keep metric buckets newer than this")
	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	if opts.MetricsRetention <= 0 {
		return NewExitError(ExitCommandError, "--metrics-retention must be positive")
	}

	n, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.close()

	ctx := cmd.Context()
	view := sweepView{CacheEntries: n.cache.Sweep(ctx)}
	view.MetricBuckets, err = n.store.DeleteMetricBuckets(ctx, time.Now().Add(-opts.MetricsRetention))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to delete metric buckets", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(view, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "removed %d expired cache entries and %d metric buckets\n", view.CacheEntries, view.MetricBuckets)
		return err
	})
}
