package domain

import (
	"context"
	"time"
)

// JobRecord is a persisted summary of one finished (or running) job.
type JobRecord struct {
	ID         string    `json:"id"`
	Executable string    `json:"executable"`
	ScriptPath string    `json:"script_path"`
	Arguments  []string  `json:"arguments"`
	Task       string    `json:"task,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Phase      Phase     `json:"phase"`
	OutputPath string    `json:"output_path,omitempty"`
}

// JobStore persists job history. Implementations must be goroutine-safe.
type JobStore interface {
	Record(ctx context.Context, rec JobRecord) error
	Get(ctx context.Context, id string) (*JobRecord, error)
	List(ctx context.Context, limit int) ([]JobRecord, error)
	// Prune deletes finished jobs that started before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
