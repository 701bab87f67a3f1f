package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/store"
)

// cliUser is the user recorded for tenant-scoped CLI reads.
const cliUser = "crmsync-cli"

// OperationsOptions holds flags for the pending and failed commands.
type OperationsOptions struct {
	*RootOptions
	Tenant string
}

// scoped narrows engine reads to one tenant when --tenant is given.
func (o *OperationsOptions) scoped(ctx context.Context) context.Context {
	if o.Tenant == "" {
		return ctx
	}
	return tenancy.WithCaller(ctx, tenancy.Caller{TenantID: o.Tenant, UserID: cliUser})
}

type operationsView struct {
	Operations []*store.PendingOperation `json:"operations"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OperationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List operations waiting for replay",
		Long: `List queued operations in replay order. Payloads are never printed.

Examples:
  crmsync pending
  crmsync pending --tenant acme --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.close()

			ops, err := n.engine.PendingOperations(opts.scoped(cmd.Context()))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list pending operations", err)
			}
			return printOperations(opts.RootOptions, cmd, "pending", ops)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "only show this tenant's operations")
	return cmd
}

// NewFailedCommand creates the failed command with its list and clear subcommands.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OperationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect or discard operations that exhausted their retries",
	}
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "only act on this tenant's operations")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List permanently failed operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.close()

			ops, err := n.engine.FailedOperations(opts.scoped(cmd.Context()))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list failed operations", err)
			}
			return printOperations(opts.RootOptions, cmd, "failed", ops)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Discard permanently failed operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.close()

			cleared, err := n.engine.ClearFailedOperations(opts.scoped(cmd.Context()))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to clear failed operations", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(map[string]int{"cleared": cleared}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "cleared %d failed operations\n", cleared)
				return err
			})
		},
	})

	return cmd
}

func printOperations(opts *RootOptions, cmd *cobra.Command, label string, ops []*store.PendingOperation) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(operationsView{Operations: ops}, func(w io.Writer) error {
		return renderOperations(w, label, ops)
	})
}
