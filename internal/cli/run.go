package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/chatsync/internal/access"
	"github.com/roach88/chatsync/internal/config"
	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/metrics"
	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/pebblestore"
	"github.com/roach88/chatsync/internal/store"
	"github.com/roach88/chatsync/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
	Watch  bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync from the update feed until interrupted",
		Long: `Open the local store, connect to the update feed and keep the local
mirror in sync until SIGINT or SIGTERM.

Configuration comes from --config (optional) with CHATSYNC_* environment
overrides. feed.url and recovery.url must be set. With --watch the config
file is reloaded on change and new tuning is applied without a restart.

Exit codes:
  0 - Stopped by signal
  1 - Stopped by storage corruption
  2 - Configuration or startup error

Example:
  chatsync run --config chatsync.yaml
  CHATSYNC_FEED_URL=wss://chat.example/v1/updates chatsync run --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if err := requireEndpoints(cfg); err != nil {
				return WrapExitError(ExitCommandError, "incomplete config", err)
			}
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the config file")
	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "reload tuning when the config file changes")

	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func requireEndpoints(cfg *config.Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		errs = append(errs, errors.New("feed.url: required"))
	}
	if strings.TrimSpace(cfg.Recovery.URL) == "" {
		errs = append(errs, errors.New("recovery.url: required"))
	}
	return errors.Join(errs...)
}

// newLogger builds the process logger from log.level and log.format.
// --verbose forces debug.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	c := config.Config{Log: cfg}
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	}
	return slog.New(slog.NewTextHandler(w, ho)), nil
}

// durable is what the session needs from a storage backend.
type durable interface {
	engine.SeqStore
	msgindex.Backing
	Close() error
}

// openDurable opens the configured backend. hook observes Pebble reads
// and commits; SQLite has no such surface.
func openDurable(db config.DatabaseConfig, hook pebblestore.MetricsHook) (durable, error) {
	switch db.Backend {
	case config.BackendPebble:
		return pebblestore.Open(pebblestore.Options{
			Dir:     db.Path,
			Fsync:   pebblestore.FsyncModeAlways,
			Metrics: hook,
		})
	case config.BackendSQLite, "":
		return store.Open(db.Path)
	}
	return nil, fmt.Errorf("unknown database backend %q", db.Backend)
}

// newOracle returns the Postgres membership oracle when access.dsn is set,
// otherwise a static one. The returned func releases its resources.
func newOracle(ctx context.Context, cfg config.AccessConfig, log *slog.Logger) (engine.AccessOracle, func(), error) {
	if cfg.DSN == "" {
		if len(cfg.Allow) == 0 {
			return access.AllowAll(), func() {}, nil
		}
		return access.NewStatic(cfg.Allow...), func() {}, nil
	}
	pool, err := access.OpenPool(ctx, cfg.DSN, 4)
	if err != nil {
		return nil, nil, err
	}
	pg, err := access.NewPostgres(pool, cfg.UserID,
		access.WithSchema(cfg.Schema),
		access.WithCacheTTL(cfg.CacheTTL.Std()),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info("access oracle ready", "backend", "postgres", "schema", cfg.Schema)
	return pg, pool.Close, nil
}

func runSync(ctx context.Context, opts *RunOptions, cfg *config.Config, logOut io.Writer) error {
	log, err := newLogger(cfg.Log, opts.Verbose, logOut)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)

	log.Info("opening database", "backend", cfg.Database.Backend, "path", cfg.Database.Path)
	db, err := openDurable(cfg.Database, obs)
	if err != nil {
		return startupFailed("failed to open database", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}()

	oracle, release, err := newOracle(ctx, cfg.Access, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up access oracle", err)
	}
	defer release()

	tuning := cfg.Tuning()
	querier := transport.NewHTTPQuerier(cfg.Recovery.URL, cfg.Recovery.Token)
	session := engine.New(querier,
		engine.WithLogger(log),
		engine.WithObserver(obs),
		engine.WithAccessOracle(oracle),
		engine.WithSeqStore(db),
		engine.WithBacking(db),
		engine.WithTuning(tuning),
	)
	if err := session.Restore(ctx); err != nil {
		return startupFailed("failed to restore session", err)
	}

	feed, err := transport.NewFeed(session, transport.FeedOptions{
		URL:         cfg.Feed.URL,
		Origin:      cfg.Feed.Origin,
		Token:       cfg.Feed.Token,
		Reconnect:   tuning.Backoff,
		Logger:      log,
		OnMalformed: obs.FeedDropped,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create feed", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(ctx)
	})
	g.Go(func() error {
		return ignoreCancel(feed.Run(ctx))
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
		})
	}
	if opts.Watch && opts.Config != "" {
		g.Go(func() error {
			return config.Watch(ctx, opts.Config, log, func(next *config.Config) {
				session.SetTuning(next.Tuning())
			})
		})
	}

	log.Info("sync started", "feed", cfg.Feed.URL, "client_kind", cfg.Client.Kind)
	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, engine.ErrClosed):
		log.Info("sync stopped")
		return nil
	case engine.IsCorrupt(err):
		return WrapExitError(ExitFailure, "storage corruption", err)
	}
	return WrapExitError(ExitFailure, "sync failed", err)
}

// startupFailed is a command error, except for a damaged store, which is
// reported like corruption found while running.
func startupFailed(msg string, err error) error {
	if engine.IsCorrupt(err) {
		return WrapExitError(ExitFailure, "storage corruption", err)
	}
	return WrapExitError(ExitCommandError, msg, err)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// serveMetrics exposes reg on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}
