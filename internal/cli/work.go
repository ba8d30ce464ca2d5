package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/ivm/internal/outbox"
)

// WorkOptions holds flags for the work command.
type WorkOptions struct {
	*RootOptions
	Once bool
}

// WorkResult is the output of a one-shot work run.
type WorkResult struct {
	Processed int                `json:"processed"`
	Sweep     outbox.SweepResult `json:"sweep"`
}

// NewWorkCommand creates the work command.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the outbox workers",
		Long: `Run the outbox delivery coordinator: workers claim RAW_DATA_INGESTED,
ENTITY_CHANGED and FANOUT_DEFERRED entries and run the pipeline for them,
while the janitor releases stale claims, retries failures and parks
exhausted entries in the dead letter queue.

Runs until interrupted. With --once the outbox is drained by one worker,
one janitor sweep runs, and the command exits.

When IVM_METRICS_ADDR is set, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain the outbox and exit")
	return cmd
}

func runWork(opts *WorkOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger := opts.Logger

	eng, st, err := opts.openEngine()
	if err != nil {
		return f.Fail(ExitCommandError, "work", err)
	}
	defer opts.closeStore(st)

	c := outbox.NewCoordinator(st, opts.Config.OutboxOptions(), outbox.WithLogger(logger))
	eng.Register(c)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if opts.Once {
		n, err := c.Drain(ctx)
		if err != nil {
			return f.Fail(ExitFailure, "drain outbox", err)
		}
		sweep, err := c.Sweep(ctx)
		if err != nil {
			return f.Fail(ExitFailure, "janitor sweep", err)
		}
		res := WorkResult{Processed: n, Sweep: sweep}
		return f.Success(res, fmt.Sprintf("✓ processed %d entries (released %d, retried %d, dlq %d, cleaned %d)",
			n, sweep.Released, sweep.Retried, sweep.DLQ, sweep.Cleaned))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := opts.Config.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintln(f.GetErrWriter(), "Workers started. Press Ctrl-C to stop.")
	if err := c.Run(ctx); err != nil {
		return f.Fail(ExitFailure, "outbox coordinator", err)
	}
	logger.Info("workers stopped gracefully")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
