package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/curator/internal/api"
	"github.com/roach88/curator/internal/backfill"
	"github.com/roach88/curator/internal/inbox"
	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/notify"
	"github.com/roach88/curator/internal/simulate"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Workers int

	// ready, when set, receives the bound address once the listener is up.
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ingest workers",
		Long: `Start the ingest worker pool and the HTTP API.

Unfinished backfills are resumed on start. When configured, the drop-folder
inbox is watched and every state transition is published to NATS.

Example:
  curator serve --db ./curator.db
  curator serve --config curator.yaml --addr :8080 --workers 8`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker count (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	var extra []ingest.Option
	var notifier *notify.NATS
	if cfg.NATS.URL != "" {
		notifier, err = notify.Connect(ctx, notify.Options{
			URL:       cfg.NATS.URL,
			Prefix:    cfg.NATS.Prefix,
			JetStream: cfg.NATS.JetStream,
			Stream:    cfg.NATS.Stream,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		extra = append(extra, ingest.WithNotifier(notifier))
	}

	e, err := openEnv(ctx, opts.RootOptions, true, extra...)
	if err != nil {
		if notifier != nil {
			notifier.Close()
		}
		return err
	}
	if notifier != nil {
		e.closers = append(e.closers, notifier.Close)
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil {
			e.logger.Error("error closing resources", "error", closeErr)
		}
	}()
	logger := e.logger

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	scheduler := backfill.NewScheduler(e.store,
		backfill.WithLogger(logger),
		backfill.WithMetrics(e.metrics),
	)
	defer scheduler.Close()
	if n, err := scheduler.Resume(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to resume backfills", err)
	} else if n > 0 {
		logger.Info("backfills resumed", "count", n)
	}

	server := api.New(api.Config{
		Ingest:         e.svc,
		Store:          e.store,
		Simulate:       simulate.NewEngine(e.store, logger),
		Backfill:       scheduler,
		Search:         e.index,
		Metrics:        e.metrics,
		Logger:         logger,
		MaxUploadBytes: int64(e.cfg.Ingest.MaxPayloadBytes),
	})

	addr := e.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	workers := e.cfg.Workers.Count
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	pool := ingest.NewPool(e.svc, workers, e.cfg.Workers.Poll)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	if e.cfg.Inbox.Dir != "" {
		box := inbox.New(e.cfg.Inbox.Dir, e.svc, logger, e.metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := box.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("inbox: %w", err)
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
			cancel()
		}
	}()

	logger.Info("curator started", "addr", ln.Addr().String(), "db", e.cfg.DB, "workers", workers)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("curator stopped gracefully")
	return nil
}
