// Package app wires the fleet daemon together: configuration, persistence,
// the worker manager, the event feed and the control API.
package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trade-fleet/internal/api"
	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/logging"
	"trade-fleet/internal/model"
	"trade-fleet/internal/scorer"
	"trade-fleet/internal/store"
	"trade-fleet/internal/telemetry"
	"trade-fleet/internal/worker"
)

// Version is reported in logs and traces.
const Version = "0.3.0"

// App is the application lifecycle manager.
type App struct {
	cfg *config.Config
}

// New creates a new App instance.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// Run starts the daemon and blocks until SIGINT/SIGTERM or a fatal server
// error. On the way out every live worker is stopped and the repository is
// closed.
func (a *App) Run() error {
	log, err := logging.Build(logging.Options{Level: a.cfg.App.LogLevel, File: a.cfg.App.LogFile})
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting trade-fleet",
		zap.String("version", Version),
		zap.String("env", a.cfg.App.Env),
		zap.String("gateway_mode", a.cfg.Gateway.Mode),
		zap.String("store_driver", a.cfg.Store.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracing(ctx, Version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("tracing_shutdown_failed", zap.Error(err))
			}
		}()
	}
	if a.cfg.Telemetry.ProfilerAddress != "" {
		profiler, err := telemetry.StartProfiler(a.cfg.Telemetry.ProfilerAddress, a.cfg.App.Env, log)
		if err != nil {
			log.Warn("profiler_start_failed", zap.Error(err))
		} else {
			defer profiler.Stop()
		}
	}

	repo, err := store.Open(a.cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn("store_close_failed", zap.Error(err))
		}
	}()

	sc, closeScorer, err := a.buildScorer(log)
	if err != nil {
		return err
	}
	defer closeScorer()

	feed := events.NewFeed(a.cfg.Engine.EventBuffer)
	mgr := worker.NewManager(worker.Options{
		Loader:     config.DirLoader{Dir: a.cfg.AccountsDir, DefaultsFile: a.cfg.DefaultsFile},
		Factory:    gateway.NewFactory(a.cfg.Gateway, log),
		Publisher:  feed,
		Repository: repo,
		Engine:     a.cfg.Engine,
		Gateway:    a.cfg.Gateway,
		Scorer:     sc,
	})
	mgr.SetLogger(log)

	srv := api.NewServer(a.cfg.API.ListenAddress, mgr, repo, a.cfg.Engine.StopTimeout, log)

	fanCtx, stopFan := context.WithCancel(context.Background())
	var fan sync.WaitGroup
	fan.Add(1)
	go func() {
		defer fan.Done()
		forward(fanCtx, feed, repo, srv.Hub(), log)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	if a.cfg.Autostart {
		results, err := mgr.StartAll(ctx, worker.StartOptions{ApplyDefaults: true, Validate: true})
		if err != nil {
			log.Error("autostart_failed", zap.Error(err))
		}
		for _, r := range results {
			if r.Error != "" {
				log.Warn("autostart_worker_failed", zap.String("account_id", r.AccountID), zap.String("error", r.Error))
			}
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown_signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("fatal_error", zap.Error(err))
			runErr = err
		}
	}
	stop()

	for _, r := range mgr.StopAll(a.cfg.Engine.StopTimeout) {
		if r.Worker != nil && r.Worker.Metadata.ForcedTermination {
			log.Warn("worker_forced_stop", zap.String("account_id", r.AccountID))
		}
	}
	stopFan()
	fan.Wait()

	log.Info("trade-fleet stopped", zap.Int64("events_dropped", feed.Dropped()))
	return runErr
}

// buildScorer loads the ONNX model when one is configured. Without a model
// every instrument trades on its technical signal alone.
func (a *App) buildScorer(log *zap.Logger) (scorer.Scorer, func(), error) {
	if a.cfg.Engine.ModelPath == "" {
		return nil, func() {}, nil
	}
	m, err := scorer.NewONNX(a.cfg.Engine.ModelPath, a.cfg.Engine.ModelLibrary, a.cfg.Engine.ModelWindow)
	if err != nil {
		return nil, nil, err
	}
	log.Info("model_loaded", zap.String("path", a.cfg.Engine.ModelPath), zap.Int("window", m.Window()))
	return m, m.Close, nil
}

// eventSink receives every feed event after it leaves the workers.
type eventSink interface {
	Publish(ev model.Event)
}

// forward drains the feed into the repository and the websocket hub until
// ctx is done, then flushes whatever is still buffered.
func forward(ctx context.Context, feed *events.Feed, repo store.Repository, hub eventSink, log *zap.Logger) {
	deliver := func(ev model.Event) {
		hub.Publish(ev)
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.RecordEvent(rctx, ev); err != nil {
			log.Warn("event_record_failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-feed.Events():
					deliver(ev)
				default:
					return
				}
			}
		case ev := <-feed.Events():
			deliver(ev)
		}
	}
}
