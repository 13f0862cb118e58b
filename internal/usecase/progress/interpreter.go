// Package progress derives a phase, percent and ETA from the free-form
// console output of the generation script.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wanctl/internal/domain"
)

// DefaultMaxLogBytes bounds the raw log kept for one run.
const DefaultMaxLogBytes = 4 * 1024 * 1024

// Config holds Interpreter settings. Zero values select defaults.
type Config struct {
	Mapping     Mapping
	MaxLogBytes int
	Now         func() time.Time // clock for ETA math
}

// Interpreter is the only writer of ProgressState. Feed and Finalize are
// called from the runner's delivery goroutine; the animation ticker is a
// second writer, so all state is guarded by mu.
type Interpreter struct {
	mu      sync.Mutex
	mapping Mapping
	now     func() time.Time
	logger  *slog.Logger
	rules   []rule

	state     domain.ProgressState
	metaSeen  bool
	finalized bool
	// steps_total overrides sample_steps from the Namespace line
	stepsExplicit bool
	runStart      time.Time
	genStart      time.Time
	lines         map[domain.Stream]*lineSplitter
	log           *rawLog

	// animation bookkeeping: epoch is bumped on every start/stop so a tick
	// scheduled for an older animation is ignored.
	epoch     uint64
	animValue int
	animStop  chan struct{}
}

// New creates an Interpreter in the Idle phase.
func New(cfg Config, logger *slog.Logger) *Interpreter {
	if cfg.Mapping == (Mapping{}) {
		cfg.Mapping = DefaultMapping()
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = DefaultMaxLogBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Interpreter{
		mapping: cfg.Mapping,
		now:     cfg.Now,
		logger:  logger,
		rules:   defaultRules,
		state:   domain.ProgressState{Phase: domain.PhaseIdle},
		lines: map[domain.Stream]*lineSplitter{
			domain.StreamStdout: {},
			domain.StreamStderr: {},
		},
		log:      newRawLog(cfg.MaxLogBytes),
		runStart: cfg.Now(),
	}
}

// Reset prepares for a new run: percent 0, phase Initializing, meta and log
// cleared, any animation stopped.
func (in *Interpreter) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopAnimation()
	in.state = domain.ProgressState{Phase: domain.PhaseInitializing}
	in.metaSeen = false
	in.stepsExplicit = false
	in.finalized = false
	in.runStart = in.now()
	in.genStart = time.Time{}
	for _, s := range in.lines {
		s.Reset()
	}
	in.log.Reset()
}

// Feed appends a raw chunk from stream and applies the rules to every line it
// completes. After Finalize the chunk is only logged.
func (in *Interpreter) Feed(stream domain.Stream, chunk string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.log.WriteString(chunk)
	if in.finalized {
		return
	}
	s, ok := in.lines[stream]
	if !ok {
		s = &lineSplitter{}
		in.lines[stream] = s
	}
	for _, line := range s.Push(chunk) {
		in.applyLine(line)
	}
}

// Annotate appends host-side text, such as a launch error, to the raw log.
// It is never parsed.
func (in *Interpreter) Annotate(text string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.log.WriteString(text)
}

// Finalize ends the run. Buffered partial lines are evaluated, a closed
// marker is logged, the full log is rescanned for the save marker and the
// phase becomes Cancelled, Finished or Failed at 100%. Calling it again is a
// no-op.
func (in *Interpreter) Finalize(exitCode int, cancelled bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finalized {
		return
	}
	for _, stream := range []domain.Stream{domain.StreamStdout, domain.StreamStderr} {
		if line, ok := in.lines[stream].Flush(); ok {
			in.applyLine(line)
		}
	}
	in.stopAnimation()

	in.log.WriteString(fmt.Sprintf("\n[closed] code=%d\n", exitCode))
	if all := reSaving.FindAllStringSubmatch(in.log.String(), -1); len(all) > 0 {
		in.state.LastOutputPath = all[len(all)-1][1]
	}

	in.state.Percent = 100
	in.state.ETA = ""
	switch {
	case cancelled:
		in.state.Phase = domain.PhaseCancelled
	case exitCode == 0:
		in.state.Phase = domain.PhaseFinished
	default:
		in.state.Phase = domain.PhaseFailed
	}
	in.finalized = true

	if in.logger != nil {
		in.logger.Debug("progress finalized",
			"phase", in.state.Phase,
			"exit_code", exitCode,
			"output", in.state.LastOutputPath,
		)
	}
}

// Snapshot returns the current state.
func (in *Interpreter) Snapshot() domain.ProgressState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Log returns the retained raw output.
func (in *Interpreter) Log() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.log.String()
}

// LogFrom returns output from absolute byte offset onward and the offset to
// resume from.
func (in *Interpreter) LogFrom(offset int64) (string, int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.log.ReadFrom(offset), in.log.TotalWritten()
}

// LogTail returns at most n trailing log lines.
func (in *Interpreter) LogTail(n int) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.log.Tail(n)
}

// Finalized reports whether Finalize has run for the current run.
func (in *Interpreter) Finalized() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finalized
}

// --- internal, mu held ---

func (in *Interpreter) applyLine(line string) {
	for _, r := range in.rules {
		if m := r.re.FindStringSubmatch(line); m != nil {
			r.apply(in, m)
		}
	}
}

// raise lifts percent to at least p.
func (in *Interpreter) raise(p int) {
	if p = clamp(p); p > in.state.Percent {
		in.state.Percent = p
	}
}

func (in *Interpreter) setPhaseFloor(phase domain.Phase, floor int) {
	in.state.Phase = phase
	in.raise(floor)
}

func (in *Interpreter) startAnimation() {
	in.stopAnimation()
	in.epoch++
	epoch := in.epoch
	stop := make(chan struct{})
	in.animStop = stop
	in.animValue = in.mapping.AnimationStart
	in.raise(in.animValue)

	go func() {
		ticker := time.NewTicker(in.mapping.AnimationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !in.tick(epoch) {
					return
				}
			}
		}
	}()
}

func (in *Interpreter) stopAnimation() {
	if in.animStop != nil {
		close(in.animStop)
		in.animStop = nil
	}
	in.epoch++
}

// tick advances the animation. It reports false once the animation is stale
// or has reached its cap.
func (in *Interpreter) tick(epoch uint64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if epoch != in.epoch || in.finalized {
		return false
	}
	in.animValue = min(in.mapping.AnimationCap, in.animValue+in.mapping.AnimationStep)
	in.raise(in.animValue)
	return in.animValue < in.mapping.AnimationCap
}
