// Package runner owns the single external generation process: it spawns it,
// streams its output and terminates it on request.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"wanctl/internal/domain"
)

const (
	// DefaultKillGrace is how long a cancelled process may take to exit
	// before it is force killed.
	DefaultKillGrace = 10 * time.Second
	// DefaultChunkSize bounds the Data of a single OutputEvent.
	DefaultChunkSize = 32 * 1024

	queueDepth = 64
	subsystem  = "runner"
)

// DefaultEnv is added to every child so Python writes UTF-8 regardless of
// the host console encoding.
var DefaultEnv = map[string]string{
	"PYTHONIOENCODING": "utf-8",
	"PYTHONUTF8":       "1",
}

// Config holds Runner settings.
type Config struct {
	KillGrace time.Duration
	ChunkSize int
	Env       map[string]string // applied after DefaultEnv, before RunRequest.Env
}

// Runner runs at most one child process at a time. All events of a run are
// delivered by a single goroutine: output chunks in per-stream order, then
// exactly one ExitEvent.
type Runner struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	current *run

	subMu      sync.Mutex
	nextSub    uint64
	outputSubs []outputSub
	exitSubs   []exitSub
}

type outputSub struct {
	id uint64
	fn func(domain.OutputEvent)
}

type exitSub struct {
	id uint64
	fn func(domain.ExitEvent)
}

// run is the runtime state of one child process.
type run struct {
	handle    domain.RunHandle
	cmd       *exec.Cmd
	queue     chan any
	done      chan struct{} // closed once the ExitEvent has been delivered
	killTimer *time.Timer
}

// New creates a Runner. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Runner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Runner{cfg: cfg, bus: bus, logger: logger}
}

// Run validates req and spawns the child. It returns as soon as the process
// has started; output and exit arrive through the subscriptions.
func (r *Runner) Run(ctx context.Context, req domain.RunRequest) (*domain.RunHandle, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.handle.State.Active() {
		return nil, domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrAlreadyRunning, "")
	}

	// The child runs in another directory, so relative paths are pinned to
	// ours first.
	script, err := filepath.Abs(req.ScriptPath)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrInvalidInput, err.Error())
	}
	executable := req.Executable
	if !filepath.IsAbs(executable) && strings.ContainsRune(executable, filepath.Separator) {
		if executable, err = filepath.Abs(executable); err != nil {
			return nil, domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrInvalidInput, err.Error())
		}
	}

	args := make([]string, 0, len(req.Arguments)+1)
	args = append(args, script)
	args = append(args, req.Arguments...)

	cmd := exec.Command(executable, args...)
	cmd.Dir = req.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(script)
	}
	cmd.Env = r.environ(req.Env)
	// Bounds how long Wait keeps copying after exit when a grandchild still
	// holds the pipes open.
	cmd.WaitDelay = r.cfg.KillGrace

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		r.logger.Warn("job spawn failed", "executable", req.Executable, "error", err)
		return nil, domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrSpawnFailure, err.Error())
	}

	rn := &run{
		handle: domain.RunHandle{
			ID:        newID(),
			PID:       cmd.Process.Pid,
			State:     domain.RunStateRunning,
			Request:   cloneRequest(req),
			StartedAt: time.Now(),
		},
		cmd:   cmd,
		queue: make(chan any, queueDepth),
		done:  make(chan struct{}),
	}
	r.current = rn

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pump(rn, domain.StreamStdout, stdoutR, &pumps)
	go r.pump(rn, domain.StreamStderr, stderrR, &pumps)
	go r.watch(rn, stdoutW, stderrW, &pumps)
	go r.deliver(rn)

	r.logger.Info("job started",
		"run_id", rn.handle.ID,
		"pid", rn.handle.PID,
		"executable", req.Executable,
		"script", req.ScriptPath,
		"dir", cmd.Dir,
	)
	r.publish(ctx, domain.EventJobStarted, rn.handle.ID, rn.handle)

	h := rn.handle
	return &h, nil
}

// Cancel asks the active child to terminate and returns immediately. The
// process is force killed if it is still alive after KillGrace. Cancelling an
// already cancelling run is a no-op.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	rn := r.current
	if rn == nil || !rn.handle.State.Active() {
		r.mu.Unlock()
		return domain.NewSubSystemError(subsystem, "Runner.Cancel", domain.ErrNotRunning, "")
	}
	if rn.handle.State == domain.RunStateCancelling {
		r.mu.Unlock()
		return nil
	}
	rn.handle.State = domain.RunStateCancelling
	rn.handle.Cancelled = true
	proc := rn.cmd.Process
	rn.killTimer = time.AfterFunc(r.cfg.KillGrace, func() { r.forceKill(rn) })
	id := rn.handle.ID
	r.mu.Unlock()

	if err := terminate(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("terminate signal failed, waiting for force kill", "run_id", id, "error", err)
	}
	r.logger.Info("job cancel requested", "run_id", id, "kill_grace", r.cfg.KillGrace)
	r.publish(context.Background(), domain.EventJobCancelRequested, id, nil)
	return nil
}

// Current returns a snapshot of the active or most recent run.
func (r *Runner) Current() (domain.RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return domain.RunHandle{State: domain.RunStateIdle}, false
	}
	return cloneHandle(r.current.handle), true
}

// Done returns a channel closed once the active run's ExitEvent has been
// delivered, or nil when nothing has ever run.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.done
}

// Stop cancels any active run and waits for its exit. If ctx expires first the
// process is killed and ctx.Err is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	rn := r.current
	r.mu.Unlock()
	if rn == nil {
		return nil
	}
	if err := r.Cancel(); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return err
	}
	select {
	case <-rn.done:
		return nil
	case <-ctx.Done():
		r.forceKill(rn)
		return ctx.Err()
	}
}

// OnOutput registers fn for every OutputEvent of subsequent deliveries.
// There is no replay. The returned func unsubscribes.
func (r *Runner) OnOutput(fn func(domain.OutputEvent)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.outputSubs = append(r.outputSubs, outputSub{id: id, fn: fn})
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.outputSubs {
			if s.id == id {
				r.outputSubs = append(r.outputSubs[:i:i], r.outputSubs[i+1:]...)
				return
			}
		}
	}
}

// OnExit registers fn for every ExitEvent. The returned func unsubscribes.
func (r *Runner) OnExit(fn func(domain.ExitEvent)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.exitSubs = append(r.exitSubs, exitSub{id: id, fn: fn})
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.exitSubs {
			if s.id == id {
				r.exitSubs = append(r.exitSubs[:i:i], r.exitSubs[i+1:]...)
				return
			}
		}
	}
}

// --- internal ---

func (r *Runner) pump(rn *run, stream domain.Stream, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, r.cfg.ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			rn.queue <- domain.OutputEvent{RunID: rn.handle.ID, Stream: stream, Data: string(buf[:n])}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("output pump stopped", "run_id", rn.handle.ID, "stream", stream, "error", err)
			}
			return
		}
	}
}

// watch reaps the child, lets both pumps drain, then queues the ExitEvent
// as the final item.
func (r *Runner) watch(rn *run, stdoutW, stderrW *io.PipeWriter, pumps *sync.WaitGroup) {
	err := rn.cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	pumps.Wait()

	code := exitCode(err)
	r.mu.Lock()
	if rn.killTimer != nil {
		rn.killTimer.Stop()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Debug("job wait returned error", "run_id", rn.handle.ID, "error", err)
	}
	rn.queue <- domain.ExitEvent{RunID: rn.handle.ID, ExitCode: code}
	close(rn.queue)
}

func (r *Runner) deliver(rn *run) {
	defer close(rn.done)
	for item := range rn.queue {
		switch ev := item.(type) {
		case domain.OutputEvent:
			r.dispatchOutput(ev)
			r.publish(context.Background(), domain.EventJobOutput, ev.RunID, ev)
		case domain.ExitEvent:
			r.mu.Lock()
			ev.Cancelled = rn.handle.Cancelled
			r.mu.Unlock()

			r.dispatchExit(ev)

			r.mu.Lock()
			now := time.Now()
			code := ev.ExitCode
			rn.handle.State = domain.RunStateExited
			rn.handle.EndedAt = &now
			rn.handle.ExitCode = &code
			started := rn.handle.StartedAt
			r.mu.Unlock()

			r.logger.Info("job exited",
				"run_id", ev.RunID,
				"exit_code", ev.ExitCode,
				"cancelled", ev.Cancelled,
				"duration", now.Sub(started).Round(time.Millisecond),
			)
			r.publish(context.Background(), domain.EventJobExited, ev.RunID, ev)
		}
	}
}

func (r *Runner) dispatchOutput(ev domain.OutputEvent) {
	r.subMu.Lock()
	subs := make([]outputSub, len(r.outputSubs))
	copy(subs, r.outputSubs)
	r.subMu.Unlock()
	for _, s := range subs {
		r.safeCall(ev.RunID, func() { s.fn(ev) })
	}
}

func (r *Runner) dispatchExit(ev domain.ExitEvent) {
	r.subMu.Lock()
	subs := make([]exitSub, len(r.exitSubs))
	copy(subs, r.exitSubs)
	r.subMu.Unlock()
	for _, s := range subs {
		r.safeCall(ev.RunID, func() { s.fn(ev) })
	}
}

// safeCall keeps a panicking subscriber from stalling delivery of the ExitEvent.
func (r *Runner) safeCall(runID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runner subscriber panicked", "run_id", runID, "panic", p)
		}
	}()
	fn()
}

func (r *Runner) forceKill(rn *run) {
	select {
	case <-rn.done:
		return
	default:
	}
	if err := rn.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("force kill failed", "run_id", rn.handle.ID, "error", err)
		return
	}
	r.logger.Warn("job force killed", "run_id", rn.handle.ID)
}

func (r *Runner) environ(extra map[string]string) []string {
	env := os.Environ()
	for _, m := range []map[string]string{DefaultEnv, r.cfg.Env, extra} {
		for k, v := range m {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (r *Runner) publish(ctx context.Context, t domain.EventType, runID string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(t, runID, payload))
}

func validate(req domain.RunRequest) error {
	switch {
	case strings.TrimSpace(req.Executable) == "":
		return domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrInvalidInput, "executable is required")
	case strings.TrimSpace(req.ScriptPath) == "":
		return domain.NewSubSystemError(subsystem, "Runner.Run", domain.ErrInvalidInput, "script path is required")
	}
	return nil
}

// exitCode maps a Wait result to the reported code: the exit status, or -1
// when the process was killed by a signal or could not be waited on.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cloneRequest(req domain.RunRequest) domain.RunRequest {
	out := req
	out.Arguments = append([]string(nil), req.Arguments...)
	if req.Env != nil {
		out.Env = make(map[string]string, len(req.Env))
		for k, v := range req.Env {
			out.Env[k] = v
		}
	}
	return out
}

func cloneHandle(h domain.RunHandle) domain.RunHandle {
	out := h
	if h.ExitCode != nil {
		c := *h.ExitCode
		out.ExitCode = &c
	}
	if h.EndedAt != nil {
		t := *h.EndedAt
		out.EndedAt = &t
	}
	return out
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
