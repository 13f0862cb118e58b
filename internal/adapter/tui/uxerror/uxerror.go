// Package uxerror translates raw errors into user-friendly messages with
// recovery hints for the TUI and the plain console.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"wanctl/internal/adapter/tui/theme"
	"wanctl/internal/domain"
	"wanctl/internal/infra/config"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Python Not Found"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
}

// Render formats the FriendlyError for display.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinel errors (checked first so errors.Is works through wrapping).
	{
		match:   isErr(domain.ErrAlreadyRunning),
		produce: constantError("Job Already Running", "Only one generation can run at a time.", []string{"Wait for the current job to finish", "Cancel it first with 'c' or job.cancel"}),
	},
	{
		match:   isErr(domain.ErrNotRunning),
		produce: constantError("Nothing To Cancel", "There is no running job.", nil),
	},
	{
		match: isErr(domain.ErrSpawnFailure),
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Could Not Start Python",
				Message: domain.UserMessage(err),
				Hints:   []string{"Set python.executable in config or WANCTL_PYTHON", "Run 'wanctl doctor' to check the environment"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match: func(err error) bool {
			return errors.Is(err, domain.ErrInvalidInput) && strings.Contains(err.Error(), "script not found")
		},
		produce: constantError("Script Not Found", "generate.py does not exist at the configured path.", []string{"Set python.script in config or WANCTL_SCRIPT", "Run 'wanctl doctor' to list candidate scripts"}),
	},
	{
		match:   isErr(domain.ErrProbeFailed),
		produce: constantError("Environment Check Failed", "The Python environment could not be probed.", []string{"Verify the interpreter runs: python --version", "Install torch with CUDA support for GPU detection"}),
	},
	{
		match:   isErr(domain.ErrHistoryStore),
		produce: constantError("History Unavailable", "The job history database could not be written.", []string{"Check permissions on history.path", "Disable history with history.enabled: false"}),
	},
	{
		match:   isErr(domain.ErrGatewayAuth),
		produce: constantError("Authentication Failed", "The gateway rejected the token.", []string{"Pass ?token= or an Authorization: Bearer header", "Check gateway.tokens in config"}),
	},
	{
		match: func(err error) bool {
			var ve *config.ValidationError
			return errors.As(err, &ve)
		},
		produce: func(err error) FriendlyError {
			var ve *config.ValidationError
			errors.As(err, &ve)
			return FriendlyError{
				Title:   "Invalid Configuration",
				Message: fmt.Sprintf("%d problem(s) found in the config file.", len(ve.Errors)),
				Hints:   ve.Errors,
				Raw:     err.Error(),
			}
		},
	},

	// Failures reported by the script itself (matched against the log tail).
	{
		match:   containsAny("cuda out of memory", "outofmemoryerror"),
		produce: constantError("GPU Out Of Memory", "The model did not fit in GPU memory.", []string{"Enable offload_model and t5_cpu", "Use a smaller size or the TI2V-5B task", "Enable convert_model_dtype"}),
	},
	{
		match:   containsAny("modulenotfounderror", "no module named"),
		produce: constantError("Missing Python Package", "The script imports a package that is not installed.", []string{"Install the requirements of the Wan2.2 repository", "Check that python.executable points at the right environment"}),
	},
	{
		match:   containsAny("no such file or directory", "filenotfounderror"),
		produce: constantError("File Not Found", "A file the script needs is missing.", []string{"Check ckpt_dir points at the downloaded checkpoints", "Run 'wanctl doctor' for checkpoint suggestions"}),
	},

	// Network / connectivity patterns (string matching for external errors).
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the gateway.", []string{"Check that 'wanctl serve' is running", "Verify gateway.addr in config"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout", "context deadline"),
		produce: constantError("Timed Out", "The operation took too long to complete.", []string{"Increase python.probe_timeout in config", "Check the machine is not overloaded"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with WANCTL_LOGGER_LEVEL=debug for more details"},
		Raw:     err.Error(),
	}
}

// FromLog looks for a known failure signature in the tail of a failed run's
// log. It returns false when nothing matches.
func FromLog(tail string) (FriendlyError, bool) {
	if tail == "" {
		return FriendlyError{}, false
	}
	err := errors.New(tail)
	for _, p := range patterns {
		if p.match(err) {
			fe := p.produce(err)
			fe.Raw = ""
			return fe, true
		}
	}
	return FriendlyError{}, false
}

func isErr(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
