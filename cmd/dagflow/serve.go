package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/dagflow/internal/config"
	"github.com/petrijr/dagflow/pkg/api"
	"github.com/petrijr/dagflow/pkg/worker"
)

const (
	DefaultRecoverAfter    = 5 * time.Minute
	DefaultRecoverInterval = time.Minute
	shutdownTimeout        = 10 * time.Second
)

var (
	serveWorkers         int
	serveRecoverAfter    time.Duration
	serveRecoverInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers that drive queued tasks until interrupted",
	Long: "Serve registers the configured templates, recovers steps left in progress by a\n" +
		"previous process, and runs workers against the configured queue. Prometheus\n" +
		"metrics are exposed when metrics.addr is set.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveWorkers > 0 {
			cfg.Worker.Count = serveWorkers
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := newLogger(cfg)
		rt, err := buildRuntime(ctx, cfg, log, runtimeOptions{
			forceQueue: true,
			logEvents:  cfg.Log.Level == "debug",
		})
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close(context.Background()) }()

		tpls, err := cfg.LoadTemplates()
		if err != nil {
			return err
		}
		if err := rt.registerTemplates(tpls); err != nil {
			return err
		}
		return serve(ctx, rt)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&serveWorkers, "workers", "w", 0, "Number of concurrent workers (default: worker.count)")
	serveCmd.Flags().DurationVar(&serveRecoverAfter, "recover-after", DefaultRecoverAfter, "Treat steps in progress for longer than this as abandoned")
	serveCmd.Flags().DurationVar(&serveRecoverInterval, "recover-interval", DefaultRecoverInterval, "How often to look for abandoned steps (0 disables periodic recovery)")
}

// serve runs the worker pool, the metrics endpoint and stuck step recovery
// until ctx is done.
func serve(ctx context.Context, rt *app) error {
	cfg, log := rt.cfg, rt.logger
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("store is in memory; tasks will not survive a restart")
	}

	w := worker.NewWithConfig(rt.engine, rt.queue, worker.Config{
		Concurrency:  cfg.Worker.Count,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RetryDelay:   cfg.Worker.RetryDelay,
		LeaseTTL:     cfg.Worker.LeaseTTL,
		PollInterval: cfg.Engine.PollInterval,
		Logger:       log,
	})

	recoverStuck(ctx, rt)
	if cfg.Queue.Driver == config.DriverNone || cfg.Queue.Driver == config.DriverMemory {
		if err := requeueActive(ctx, rt.engine, w); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("workers started", slog.Int("count", cfg.Worker.Count), slog.String("queue", cfg.Queue.Driver))
		return w.Run(ctx)
	})

	if serveRecoverInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(serveRecoverInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					recoverStuck(ctx, rt)
				}
			}
		})
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(rt), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	log.Info("shutting down")
	return err
}

func metricsMux(rt *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// recoverStuck moves abandoned in-progress steps back to error so they are
// retried. Failures are logged; the next round tries again.
func recoverStuck(ctx context.Context, rt *app) {
	n, err := rt.engine.RecoverStuckSteps(ctx, serveRecoverAfter)
	if err != nil {
		if ctx.Err() == nil {
			rt.logger.Error("recovering stuck steps failed", slog.Any(api.KeyError, err))
		}
		return
	}
	if n > 0 {
		rt.logger.Warn("recovered stuck steps", slog.Int("count", n), slog.Duration("older_than", serveRecoverAfter))
	}
}

// requeueActive enqueues every unfinished task. An in-memory queue starts
// empty even when the store does not.
func requeueActive(ctx context.Context, eng api.Engine, w *worker.Worker) error {
	for _, state := range []api.State{api.StatePending, api.StateInProgress} {
		tasks, err := eng.ListTasks(ctx, api.TaskListOptions{State: state})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := w.EnqueueTask(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
