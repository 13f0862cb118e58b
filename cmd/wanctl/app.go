package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wanctl/internal/adapter/store"
	"wanctl/internal/adapter/wan"
	"wanctl/internal/domain"
	"wanctl/internal/infra/config"
	"wanctl/internal/infra/logger"
	"wanctl/internal/infra/tracer"
	"wanctl/internal/usecase/eventbus"
	"wanctl/internal/usecase/generation"
	"wanctl/internal/usecase/progress"
	"wanctl/internal/usecase/runner"
	"wanctl/internal/usecase/scheduling"
)

const defaultConfigFile = "wanctl.yaml"

// configPath reads --config from args, then WANCTL_CONFIG.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if (arg == "--config" || arg == "-config") && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := os.Getenv("WANCTL_CONFIG"); p != "" {
		return p
	}
	return defaultConfigFile
}

// app holds the wired components shared by run and serve.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	bus    *eventbus.Bus
	runner *runner.Runner
	store  domain.JobStore
	svc    *generation.Service
	sched  *scheduling.Scheduler

	closers []func(context.Context) error
}

// newApp wires logger, tracer, bus, runner, interpreter, history store and
// the generation service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func(context.Context) error { return logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, tracerShutdown)

	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func(context.Context) error { a.bus.Close(); return nil })

	a.sched = scheduling.NewScheduler(log)

	if cfg.History.Enabled {
		st, err := store.NewSQLiteJobStore(cfg.History.Path)
		if err != nil {
			// history is optional; a broken database must not block generation
			log.Warn("history disabled", "path", cfg.History.Path, "error", err)
		} else {
			bs := store.NewBreakerStore(st, store.BreakerConfig{}, log)
			a.store = bs
			a.closers = append(a.closers, func(context.Context) error { return bs.Close() })
			if err := a.schedulePrune(); err != nil {
				log.Warn("history pruning disabled", "error", err)
			}
		}
	}

	// stops before the store closes
	if err := a.sched.Start(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.sched.Stop() })

	a.runner = runner.New(runner.Config{
		KillGrace: cfg.Runner.KillGrace,
		ChunkSize: cfg.Runner.ChunkSize,
		Env:       cfg.Runner.Env,
	}, a.bus, log)
	interp := progress.New(progress.Config{
		Mapping:     mappingFrom(cfg.Progress),
		MaxLogBytes: cfg.Progress.MaxLogBytes,
	}, log)
	a.svc = generation.New(a.runner, interp, a.store, a.bus, log)
	a.closers = append(a.closers, a.svc.Stop)

	return a, nil
}

// schedulePrune deletes finished jobs past history.retention on
// history.prune_schedule. Retention 0 keeps everything.
func (a *app) schedulePrune() error {
	h := a.cfg.History
	if h.Retention <= 0 {
		return nil
	}
	a.sched.RegisterAction(scheduling.ActionHistoryPrune, scheduling.HistoryPruner(a.store, h.Retention, a.log))
	return a.sched.AddTask(scheduling.ScheduledTask{
		Name:     "history-prune",
		Schedule: h.PruneSchedule,
		Action:   scheduling.ActionHistoryPrune,
	})
}

// close releases everything in reverse order of creation.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.log != nil {
			a.log.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

// shutdownTimeout leaves room for the runner's kill grace.
func (a *app) shutdownTimeout() time.Duration {
	return a.cfg.Runner.KillGrace + 5*time.Second
}

func mappingFrom(p config.ProgressConfig) progress.Mapping {
	return progress.Mapping{
		LoadingBand:       p.LoadingBand,
		GenerationSpan:    p.GenerationSpan,
		T5Floor:           p.T5Floor,
		VAEFloor:          p.VAEFloor,
		ModelFloor:        p.ModelFloor,
		ShardBase:         p.ShardBase,
		ShardFactor:       p.ShardFactor,
		SavingPercent:     p.SavingPercent,
		AnimationStart:    p.AnimationStart,
		AnimationStep:     p.AnimationStep,
		AnimationCap:      p.AnimationCap,
		AnimationInterval: p.AnimationInterval,
	}
}

func paramsFrom(g config.GenerationConfig) wan.Params {
	return wan.Params{
		Task:          g.Task,
		Size:          g.Size,
		CheckpointDir: g.CheckpointDir,
		FPS:           g.FPS,
		LengthSeconds: g.LengthSeconds,
		Steps:         g.Steps,
		OffloadModel:  g.OffloadModel,
		ConvertDtype:  g.ConvertDtype,
		T5CPU:         g.T5CPU,
		OutputDir:     g.OutputDir,
	}
}

// tuiLogPath keeps log lines off the screen the terminal UI owns.
func tuiLogPath() string {
	return filepath.Join(config.DataDir(), "wanctl.log")
}

// jobError reports a run that ended without success.
type jobError struct {
	exit domain.ExitEvent
}

func (e *jobError) Error() string {
	if e.exit.Cancelled {
		return "job cancelled"
	}
	return fmt.Sprintf("job failed with exit code %d", e.exit.ExitCode)
}

// code is the process status wanctl exits with.
func (e *jobError) code() int {
	switch {
	case e.exit.Cancelled:
		return 130
	case e.exit.ExitCode > 0 && e.exit.ExitCode < 126:
		return e.exit.ExitCode
	default:
		return 1
	}
}

func asJobError(err error, target **jobError) bool {
	return errors.As(err, target)
}

func exitResult(ev domain.ExitEvent) error {
	if ev.Success() && !ev.Cancelled {
		return nil
	}
	return &jobError{exit: ev}
}
