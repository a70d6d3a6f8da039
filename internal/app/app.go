package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"batchmd/internal/batch/engine"
	"batchmd/internal/config"
	"batchmd/internal/eventbus"
	"batchmd/internal/runtime/supervisor"
	"batchmd/internal/schedule"
	"batchmd/internal/storage"
	"batchmd/internal/watch"
	logx "batchmd/pkg/logx"
)

// App wires the daemon: config -> engine, watcher, scheduler, history and
// progress reporting.
type App struct {
	cfg *config.Config
	log logx.Logger
	bus eventbus.Bus

	ctrl  *engine.Controller
	store storage.Store

	watcher *watch.Watcher
	sched   *schedule.Service

	submitOpts engine.SubmitOptions

	// restart-persistent duplicate detection, only active with storage
	detector *engine.DuplicateDetector

	sup *supervisor.Supervisor
}

func New(cfg *config.Config, log logx.Logger) (*App, error) {
	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	filter, err := cfg.Filter.Compile()
	if err != nil {
		return nil, err
	}
	prio, err := cfg.SubmitPriority()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg: cfg,
		log: log,
		bus: eventbus.New(),
	}

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		if st != nil {
			a.detector = engine.NewDuplicateDetector()
		}
	}

	var exec engine.Executor
	var fn engine.ConvertFunc
	switch strings.ToLower(strings.TrimSpace(cfg.Converter.Mode)) {
	case "process":
		exec = engine.NewProcessPool(ecfg.Workers, cfg.Converter.Command)
	default:
		fn = engine.ExecConvert(cfg.Converter.Command)
	}
	a.ctrl = engine.New(ecfg, fn, exec, log, a.bus)

	a.submitOpts = engine.SubmitOptions{
		Filter:    filter,
		Priority:  prio,
		OutputDir: cfg.Batch.OutputDir,
	}

	if cfg.Watch.Enabled {
		settle, err := config.ParseDurationField("watch.settle", cfg.Watch.Settle)
		if err != nil {
			return nil, err
		}
		a.watcher = watch.New(log, cfg.Watch.Roots, settle, a.SubmitFile)
	}

	if cfg.Schedule.Enabled {
		svc, err := schedule.New(log, cfg.Schedule.Timezone)
		if err != nil {
			return nil, err
		}
		if err := svc.AddJob("rescan", cfg.Schedule.Spec, a.rescan); err != nil {
			return nil, err
		}
		a.sched = svc
	}

	return a, nil
}

// Controller exposes the batch engine for operational callers.
func (a *App) Controller() *engine.Controller { return a.ctrl }

// Bus exposes the lifecycle event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// SubmitFile routes one file into the engine, consulting the persistent
// fingerprint set first so duplicates do not resurface across restarts.
func (a *App) SubmitFile(path string) {
	if a.store != nil && a.detector != nil {
		fp, err := a.detector.Fingerprint(path)
		if err == nil && fp != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			seen, serr := a.store.HasFingerprint(ctx, fp)
			if serr == nil && seen {
				cancel()
				a.log.Debug("skipping file: fingerprint already in history",
					logx.String("path", path))
				return
			}
			if serr == nil {
				_ = a.store.PutFingerprint(ctx, fp, path)
			}
			cancel()
		}
	}

	id, err := a.ctrl.AddTask(path, a.submitOpts)
	if err != nil {
		a.log.Warn("submit failed", logx.String("path", path), logx.Err(err))
		return
	}
	if id == "" {
		return // rejected by filter
	}
	a.log.Debug("file submitted", logx.String("path", path), logx.String("task", id))
}

func (a *App) rescan(ctx context.Context) {
	if len(a.cfg.Watch.Roots) == 0 {
		return
	}
	if err := watch.Scan(ctx, a.cfg.Watch.Roots, a.SubmitFile); err != nil {
		a.log.Warn("rescan failed", logx.Err(err))
	}
}

// Start launches the engine and all enabled background services.
func (a *App) Start(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if a.store != nil {
		sink := newHistorySink(a.store, a.ctrl, a.bus, a.log)
		a.sup.Go0("history-sink", sink.run)
	}
	if a.cfg.Progress == nil || a.cfg.Progress.Enabled {
		maxPerSec := 2.0
		if a.cfg.Progress != nil && a.cfg.Progress.MaxPerSec > 0 {
			maxPerSec = a.cfg.Progress.MaxPerSec
		}
		notifier := newProgressNotifier(a.ctrl, a.bus, maxPerSec)
		a.sup.Go0("progress", notifier.run)
	}
	if a.watcher != nil {
		a.sup.Go("watcher", a.watcher.Run)
	}
	if a.cfg.Watch.RescanOnStart && len(a.cfg.Watch.Roots) > 0 {
		a.sup.Go0("initial-scan", func(ctx context.Context) { a.rescan(ctx) })
	}
	if a.sched != nil {
		a.sched.Start()
	}

	a.log.Info("app started",
		logx.Bool("watch", a.watcher != nil),
		logx.Bool("schedule", a.sched != nil),
		logx.Bool("storage", a.store != nil))
	return nil
}

// Stop drains the engine and shuts the services down.
func (a *App) Stop(ctx context.Context) error {
	if a.sched != nil {
		_ = a.sched.Stop(ctx)
	}

	err := a.ctrl.Stop(ctx, true)

	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("app stopped", logx.Err(err))
	return err
}
