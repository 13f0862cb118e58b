package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wanctl/internal/domain"
)

const plainTick = 250 * time.Millisecond

// plainJobs is what the line reporter reads from the service.
type plainJobs interface {
	State() domain.ProgressState
	LogFrom(offset int64) (string, int64)
	Cancel() error
}

// plainReporter prints progress as lines for non-interactive output.
// Phase changes always print; percent-only changes are rate limited.
type plainReporter struct {
	jobs    plainJobs
	out     io.Writer
	verbose bool
	limiter *rate.Limiter

	last      domain.ProgressState
	printed   bool
	logOffset int64
}

func newPlainReporter(jobs plainJobs, out io.Writer, verbose bool) *plainReporter {
	return &plainReporter{
		jobs:    jobs,
		out:     out,
		verbose: verbose,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Run reports until done yields the exit event. Cancelling ctx cancels the
// job once and keeps waiting for it to exit.
func (p *plainReporter) Run(ctx context.Context, done <-chan domain.ExitEvent, interval time.Duration) domain.ExitEvent {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cancelCh := ctx.Done()
	for {
		select {
		case ev := <-done:
			p.poll(true)
			return ev
		case <-cancelCh:
			cancelCh = nil
			if err := p.jobs.Cancel(); err != nil {
				fmt.Fprintf(p.out, "cancel: %v\n", err)
			} else {
				fmt.Fprintln(p.out, "cancelling...")
			}
		case <-ticker.C:
			p.poll(false)
		}
	}
}

// poll prints pending log output and the state line if it is worth printing.
func (p *plainReporter) poll(final bool) {
	if p.verbose {
		data, next := p.jobs.LogFrom(p.logOffset)
		p.logOffset = next
		if data != "" {
			io.WriteString(p.out, data)
			if !strings.HasSuffix(data, "\n") {
				io.WriteString(p.out, "\n")
			}
		}
	}

	st := p.jobs.State()
	switch {
	case !p.printed, st.Phase != p.last.Phase, final && st != p.last:
	case st.Percent != p.last.Percent && p.limiter.Allow():
	default:
		return
	}
	p.printed = true
	p.last = st
	fmt.Fprintln(p.out, stateLine(st))
}

func stateLine(st domain.ProgressState) string {
	line := fmt.Sprintf("[%3d%%] %s", st.Percent, st.Phase)
	if st.ETA != "" {
		line += "  ETA " + st.ETA
	}
	if st.Phase == domain.PhaseFinished && st.LastOutputPath != "" {
		line += "  -> " + st.LastOutputPath
	}
	return line
}
