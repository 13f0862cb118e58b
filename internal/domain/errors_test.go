package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Runner.Run", ErrSpawnFailure, "exec: \"pythonx\": executable file not found in $PATH")
	want := "Runner.Run: exec: \"pythonx\": executable file not found in $PATH: failed to launch process"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Runner.Cancel", ErrNotRunning, "")
	want := "Runner.Cancel: no running job"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewSubSystemError("runner", "Runner.Run", ErrAlreadyRunning, "")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Error("errors.Is should match ErrAlreadyRunning")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("gateway: %w", NewSubSystemError("runner", "Runner.Run", ErrInvalidInput, "executable is required"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Runner.Run", de.Op)
	assert.Equal(t, "runner", de.SubSystem)
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct sentinel", ErrAlreadyRunning, CodeAlreadyRunning},
		{"domain error", NewDomainError("Runner.Cancel", ErrNotRunning, ""), CodeNotRunning},
		{"wrapped", fmt.Errorf("rpc: %w", ErrSpawnFailure), CodeSpawnFailure},
		{"subsystem specific", NewSubSystemError("runner", "Runner.Run", ErrNotFound, "gen.py"), CodeScriptNotFound},
		{"subsystem fallback", NewSubSystemError("tui", "TUI.Open", ErrNotFound, ""), CodeNotFound},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("store.Record", ErrHistoryStore)
	assert.ErrorIs(t, err, ErrHistoryStore)
	assert.Equal(t, "store.Record: job history store failed", err.Error())
}

func TestUserMessage(t *testing.T) {
	spawn := NewSubSystemError("runner", "Runner.Run", ErrSpawnFailure, "fork/exec /nope: no such file or directory")
	assert.Equal(t, "fork/exec /nope: no such file or directory", UserMessage(spawn))

	busy := NewSubSystemError("runner", "Runner.Run", ErrAlreadyRunning, "")
	assert.Equal(t, "a job is already running", UserMessage(busy))

	invalid := NewSubSystemError("runner", "Runner.Run", ErrInvalidInput, "script path is required")
	assert.Equal(t, "invalid input: script path is required", UserMessage(invalid))

	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "plain", UserMessage(errors.New("plain")))
}
