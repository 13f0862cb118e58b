// Package monitor implements the Bubble Tea progress view for a single
// generation job: phase, progress bar, ETA and a live log tail.
package monitor

import "time"

// tickMsg drives the state poll.
type tickMsg time.Time

// cancelResultMsg carries the outcome of a cancel request.
type cancelResultMsg struct {
	Err error
}
