package domain

import "time"

// RunState represents the lifecycle state of the single active job.
type RunState string

const (
	RunStateIdle       RunState = "idle"
	RunStateRunning    RunState = "running"
	RunStateCancelling RunState = "cancelling"
	RunStateExited     RunState = "exited"
)

// Active reports whether a job in this state blocks a new Run.
func (s RunState) Active() bool {
	return s == RunStateRunning || s == RunStateCancelling
}

// Stream identifies which pipe of the child process produced an output chunk.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// RunRequest describes one invocation of the generation script.
type RunRequest struct {
	Executable       string            `json:"executable"`
	ScriptPath       string            `json:"script_path"`
	Arguments        []string          `json:"arguments"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// RunHandle is a snapshot of the single active (or last) job.
type RunHandle struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	State     RunState   `json:"state"`
	Request   RunRequest `json:"request"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Cancelled bool       `json:"cancelled"`
}

// OutputEvent is a raw chunk of child output. Data is not line aligned.
type OutputEvent struct {
	RunID  string `json:"run_id"`
	Stream Stream `json:"stream"`
	Data   string `json:"data"`
}

// ExitEvent is delivered exactly once per run, after all of its OutputEvents.
type ExitEvent struct {
	RunID     string `json:"run_id"`
	ExitCode  int    `json:"exit_code"`
	Cancelled bool   `json:"cancelled"`
}

// Success reports whether the process exited cleanly.
func (e ExitEvent) Success() bool { return e.ExitCode == 0 }
