// Package generation ties the process runner to the progress interpreter:
// it is the one shared pair that every front end (TUI, CLI, gateway) drives.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"wanctl/internal/domain"
	"wanctl/internal/infra/tracer"
	"wanctl/internal/usecase/progress"
	"wanctl/internal/usecase/runner"
)

const historyWriteTimeout = 5 * time.Second

// Service owns the single runner/interpreter pair. Output is fed to the
// interpreter, exits finalize it and are recorded in the job history.
type Service struct {
	runner *runner.Runner
	interp *progress.Interpreter
	store  domain.JobStore // nil disables history
	bus    domain.EventBus // nil disables progress events
	logger *slog.Logger

	mu     sync.Mutex
	active *job
	unsubs []func()
}

// job is the bookkeeping for one Start call.
type job struct {
	record domain.JobRecord
	span   trace.Span
	last   domain.ProgressState
	exit   chan domain.ExitEvent
}

// New wires the service into the runner's subscriptions.
func New(r *runner.Runner, in *progress.Interpreter, store domain.JobStore, bus domain.EventBus, logger *slog.Logger) *Service {
	s := &Service{runner: r, interp: in, store: store, bus: bus, logger: logger}
	s.unsubs = []func(){
		r.OnOutput(s.handleOutput),
		r.OnExit(s.handleExit),
	}
	return s
}

// Start validates req, resets the interpreter and launches the script.
// Rejections are also written to the raw log as an "[error]" line.
func (s *Service) Start(ctx context.Context, req domain.RunRequest) (*domain.RunHandle, error) {
	h, err := s.start(ctx, req)
	if err != nil {
		s.interp.Annotate("\n[error] " + domain.UserMessage(err) + "\n")
	}
	return h, err
}

func (s *Service) start(ctx context.Context, req domain.RunRequest) (*domain.RunHandle, error) {
	if req.ScriptPath != "" {
		if _, err := os.Stat(req.ScriptPath); err != nil {
			return nil, domain.NewSubSystemError("runner", "Service.Start", domain.ErrInvalidInput,
				"script not found: "+req.ScriptPath)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// checked before Reset so a rejected Start never wipes the live run's state
	if cur, ok := s.runner.Current(); ok && cur.State.Active() {
		return nil, domain.NewSubSystemError("runner", "Service.Start", domain.ErrAlreadyRunning, "")
	}

	s.interp.Reset()
	_, span := tracer.StartSpan(context.WithoutCancel(ctx), "generation.run")

	h, err := s.runner.Run(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		if errors.Is(err, domain.ErrSpawnFailure) {
			s.interp.Finalize(-1, false)
		}
		return nil, err
	}

	task := argValue(req.Arguments, "--task")
	span.SetAttributes(
		tracer.StringAttr("run.id", h.ID),
		tracer.IntAttr("run.pid", h.PID),
		tracer.StringAttr("run.task", task),
	)

	j := &job{
		record: domain.JobRecord{
			ID:         h.ID,
			Executable: req.Executable,
			ScriptPath: req.ScriptPath,
			Arguments:  append([]string(nil), req.Arguments...),
			Task:       task,
			StartedAt:  h.StartedAt,
			Phase:      domain.PhaseInitializing,
		},
		span: span,
		last: s.interp.Snapshot(),
		exit: make(chan domain.ExitEvent, 1),
	}
	s.active = j
	s.recordHistory(j.record)
	return h, nil
}

// Cancel requests termination of the active run.
func (s *Service) Cancel() error {
	err := s.runner.Cancel()
	if err != nil {
		s.interp.Annotate("\n[cancel-error] " + domain.UserMessage(err) + "\n")
	}
	return err
}

// State returns the current progress snapshot.
func (s *Service) State() domain.ProgressState {
	return s.interp.Snapshot()
}

// Log returns the raw log of the current or last run.
func (s *Service) Log() string {
	return s.interp.Log()
}

// LogFrom returns log text written at or after offset and the next offset.
func (s *Service) LogFrom(offset int64) (string, int64) {
	return s.interp.LogFrom(offset)
}

// LogTail returns at most n trailing log lines.
func (s *Service) LogTail(n int) string {
	return s.interp.LogTail(n)
}

// Current returns the runner's handle snapshot.
func (s *Service) Current() (domain.RunHandle, bool) {
	return s.runner.Current()
}

// Done yields the ExitEvent of the most recently started run once it has
// been finalized. It returns nil if nothing was started.
func (s *Service) Done() <-chan domain.ExitEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.exit
}

// History lists recent runs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if s.store == nil {
		return nil, domain.NewSubSystemError("store", "Service.History", domain.ErrDisabled, "history is disabled")
	}
	return s.store.List(ctx, limit)
}

// Stop terminates any active run, waits for it to be finalized and detaches
// from the runner.
func (s *Service) Stop(ctx context.Context) error {
	err := s.runner.Stop(ctx)

	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return err
}

func (s *Service) handleOutput(ev domain.OutputEvent) {
	s.interp.Feed(ev.Stream, ev.Data)
	snap := s.interp.Snapshot()

	s.mu.Lock()
	j := s.active
	changed := j != nil && j.record.ID == ev.RunID && !sameState(j.last, snap)
	var prev domain.Phase
	if changed {
		prev = j.last.Phase
		j.last = snap
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if snap.Phase != prev {
		tracer.AddEvent(j.span, "phase", tracer.StringAttr("phase", string(snap.Phase)), tracer.IntAttr("percent", snap.Percent))
		s.logger.Debug("job phase changed", "run_id", ev.RunID, "phase", snap.Phase, "percent", snap.Percent)
	}
	s.publish(ev.RunID, snap)
}

func (s *Service) handleExit(ev domain.ExitEvent) {
	s.interp.Finalize(ev.ExitCode, ev.Cancelled)
	snap := s.interp.Snapshot()

	s.mu.Lock()
	j := s.active
	if j == nil || j.record.ID != ev.RunID {
		s.mu.Unlock()
		s.logger.Warn("exit for unknown run", "run_id", ev.RunID)
		return
	}
	j.last = snap
	code := ev.ExitCode
	j.record.EndedAt = time.Now()
	j.record.ExitCode = &code
	j.record.Phase = snap.Phase
	j.record.OutputPath = snap.LastOutputPath
	rec := j.record
	s.mu.Unlock()

	j.span.SetAttributes(
		tracer.IntAttr("run.exit_code", ev.ExitCode),
		tracer.BoolAttr("run.cancelled", ev.Cancelled),
		tracer.StringAttr("run.phase", string(snap.Phase)),
	)
	if snap.Phase == domain.PhaseFailed {
		tracer.RecordError(j.span, fmt.Errorf("generation exited with code %d", ev.ExitCode))
	} else {
		tracer.SetOK(j.span)
	}
	j.span.End()

	s.recordHistory(rec)
	s.publish(ev.RunID, snap)

	s.logger.Info("generation finished",
		"run_id", ev.RunID,
		"phase", snap.Phase,
		"output", snap.LastOutputPath,
	)

	j.exit <- ev
	close(j.exit)
}

func (s *Service) recordHistory(rec domain.JobRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := s.store.Record(ctx, rec); err != nil {
		s.logger.Warn("history record failed", "run_id", rec.ID, "error", err)
	}
}

func (s *Service) publish(runID string, snap domain.ProgressState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), domain.NewEvent(domain.EventJobProgress, runID, snap))
}

func sameState(a, b domain.ProgressState) bool {
	return a.Phase == b.Phase && a.Percent == b.Percent && a.ETA == b.ETA &&
		a.LastOutputPath == b.LastOutputPath && a.Meta == b.Meta
}

// argValue returns the token following flag, or "".
func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
