package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/roach88/curator/internal/blob"
	"github.com/roach88/curator/internal/config"
	"github.com/roach88/curator/internal/extract"
	"github.com/roach88/curator/internal/index"
	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/store"
)

// env is the set of components a command works against.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	index   *index.SQLite
	svc     *ingest.Service
	metrics *metrics.Metrics

	closers []func() error
}

// loadConfig reads the config file and environment, then applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.DB = opts.DB
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openEnv opens the store and builds the ingest service. The blob
// directory is resolved next to the database when the configured one is
// relative and --db was given. One-shot commands log warnings only unless
// --verbose is set.
func openEnv(ctx context.Context, opts *RootOptions, serving bool, extra ...ingest.Option) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if !serving && !opts.Verbose && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger, closeLog := config.SetupLogger(cfg.Log.File, level)
	e := &env{cfg: cfg, logger: logger, metrics: metrics.New(), closers: []func() error{closeLog}}

	logger.Debug("opening database", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	e.store = st
	e.closers = append(e.closers, st.Close)

	blobDir := cfg.BlobDir
	if opts.DB != "" && !filepath.IsAbs(blobDir) {
		blobDir = filepath.Join(filepath.Dir(opts.DB), blobDir)
	}
	blobs, err := blob.NewFS(blobDir)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open blob store", err)
	}
	idx, err := index.New(ctx, st.DB())
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open index", err)
	}
	e.index = idx

	svcOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(e.metrics),
		ingest.WithMaxAttempts(cfg.Ingest.MaxAttempts),
		ingest.WithStageTimeout(cfg.Ingest.StageTimeout),
		ingest.WithLease(cfg.Ingest.Lease),
		ingest.WithRuleset(cfg.Ingest.Ruleset),
		ingest.WithMaxPayloadBytes(cfg.Ingest.MaxPayloadBytes),
		ingest.WithRetryPolicy(ingest.RetryPolicy{
			Initial:    cfg.Ingest.RetryInitial,
			Max:        cfg.Ingest.RetryMax,
			Multiplier: 2,
		}),
	}
	e.svc = ingest.NewService(st, blobs, extract.New(), idx, append(svcOpts, extra...)...)
	return e, nil
}

// Close releases everything in reverse order of acquisition.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
