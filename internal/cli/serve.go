package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hrygo/crmsync/server/router/diag"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache sweeper, the sync engine and the diagnostics API",
		Long: `Run the node until interrupted.

The sync engine replays queued operations on startup, every sync interval
and whenever connectivity comes back. The diagnostics API is served on
diag.addr when diag.secret is set.

Examples:
  crmsync serve
  crmsync serve --config ./crmsync.yaml
  CRMSYNC_REMOTE_BASE_URL=https://crm.example.com/api crmsync serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for in-flight requests on shutdown")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.close()

	p := n.profile
	if p.RemoteBaseURL == "" {
		n.logger.Warn("no remote store configured, operations stay queued")
	}

	n.cache.Start()
	n.engine.Start()

	var e *echo.Echo
	serveErr := make(chan error, 1)
	if p.DiagAddr != "" && p.DiagSecret != "" {
		e = echo.New()
		e.HideBanner = true
		e.HidePort = true
		diag.NewService(p.DiagSecret, n.engine, n.cache, n.metrics).Register(e)
		go func() {
			if err := e.Start(p.DiagAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		n.logger.Info("diagnostics API listening", slog.String("addr", p.DiagAddr))
	} else {
		n.logger.Info("diagnostics API disabled, set diag.secret to enable it")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "crmsync %s node started. Press Ctrl-C to stop.\n", p.Mode)

	select {
	case <-ctx.Done():
		n.logger.Info("shutting down")
	case err := <-serveErr:
		return WrapExitError(ExitFailure, "diagnostics server failed", err)
	}

	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("diagnostics server shutdown", slog.String("error", err.Error()))
		}
	}
	return nil
}
