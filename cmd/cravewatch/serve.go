package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cravewatch/internal/api"
	"cravewatch/internal/config"
	"cravewatch/internal/ingest"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
	"cravewatch/internal/scheduler"
	"cravewatch/internal/tasks"
)

type serveOptions struct {
	worker bool
	beat   bool
	ingest bool
	api    bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingest, worker pool, periodic scheduler and HTTP API",
		Long: `Run the long-lived service. Every part can be switched off so that, with
the Redis queue driver, workers and the scheduler may run as separate
processes:

  cravewatch serve --beat=false --ingest=false --api=false   # worker only
  cravewatch serve --worker=false                            # everything else`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.worker, "worker", true, "run the task worker pool")
	cmd.Flags().BoolVar(&opts.beat, "beat", true, "run the periodic task scheduler")
	cmd.Flags().BoolVar(&opts.ingest, "ingest", true, "run the configured reading sources")
	cmd.Flags().BoolVar(&opts.api, "api", true, "run the HTTP API")
	return cmd
}

// runWorker runs w until ctx ends. The returned channel closes once Run has
// returned and every in-flight result is stored.
func runWorker(ctx context.Context, w *queue.Worker, errCh chan<- error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && errCh != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	return done
}

func runServe(parent context.Context, root *rootOptions, opts serveOptions) error {
	a, err := openApp(root, "cravewatch")
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg.Get()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.store.Init(ctx); err != nil {
		return err
	}
	p := a.pipeline()

	broker, err := queue.NewBroker(ctx, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer broker.Close()
	client := queue.NewClient(broker, cfg.Queue.ResultPoll)

	errCh := make(chan error, 4)

	if opts.worker && cfg.Worker.Enabled {
		w := queue.NewWorker(broker, cfg.Worker, logger)
		tasks.NewRegistry(p.engine, logger).Register(w)
		done := runWorker(ctx, w, errCh)
		// Runs before the broker and store close.
		defer func() {
			cancel()
			<-done
		}()
		logger.Info("worker started",
			zap.Int("concurrency", cfg.Worker.Concurrency),
			zap.Strings("tasks", w.Names()),
		)
	}

	var beat *scheduler.Beat
	if opts.beat && cfg.Scheduler.Enabled {
		beat, err = scheduler.NewBeat(scheduler.Entries(cfg.Scheduler.Tasks), cfg.Location(), client, logger)
		if err != nil {
			return err
		}
		beat.Start(ctx)
		defer beat.Stop()
	}

	if opts.ingest {
		events := make(chan model.ReadingEvent, cfg.Ingest.ChannelBuffer)
		p.engine.Start(ctx, events)
		ingest.StartREST(ctx, a.cfg, events, logger)
		ingest.StartFileTail(ctx, a.cfg, events, logger)
		ingest.StartKafka(ctx, a.cfg, events, logger)
		if _, err := ingest.StartTCPStream(ctx, a.cfg, events, logger); err != nil {
			return err
		}
		if err := ingest.StartMQTT(ctx, a.cfg, events, logger); err != nil {
			return err
		}
	}

	if opts.api {
		deps := api.Deps{
			Config:  a.cfg,
			Store:   a.store,
			Metrics: p.metrics,
			Alerts:  p.alerts,
			Engine:  p.engine,
			Tasks:   client,
			Logger:  logger,
			Version: version,
		}
		if beat != nil {
			deps.Schedule = beat
		}
		api.Start(ctx, deps)
	}

	go a.cfg.Watch(3*time.Second, func(next *config.Config) {
		p.engine.UpdateConfig(next)
		if beat != nil {
			if err := beat.Reload(scheduler.Entries(next.Scheduler.Tasks)); err != nil {
				logger.Error("schedule reload failed", zap.Error(err))
			}
		}
		logger.Info("config reloaded", zap.String("path", a.cfg.Path()))
	}, func(err error) {
		logger.Warn("config reload failed", zap.Error(err))
	}, ctx.Done())

	logger.Info("cravewatch running",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("queue", cfg.Queue.Driver),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("service error", zap.Error(err))
		cancel()
		return err
	case <-ctx.Done():
	}
	cancel()
	logger.Info("cravewatch stopped")
	return nil
}
