package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Job lifecycle sentinels. These are request-rejection errors: they are always
// returned synchronously from Run/Cancel and are safe to show to the user verbatim.
var (
	ErrAlreadyRunning = fmt.Errorf("a job is already running")
	ErrNotRunning     = fmt.Errorf("no running job")
	ErrSpawnFailure   = fmt.Errorf("failed to launch process")
)

// Infrastructure sentinels.
var (
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrHistoryStore    = fmt.Errorf("job history store failed")
	ErrAuditWrite      = fmt.Errorf("audit log write failed")
	ErrProbeFailed     = fmt.Errorf("environment probe failed")
	ErrGatewayAuth     = fmt.Errorf("gateway: authentication failed")
	ErrRPCMethodNotFnd = fmt.Errorf("rpc method not found")
	ErrRPCInvalidInput = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Runner.Run")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "runner", "store"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UserMessage returns the text that should be shown inline to the end user for a
// request-rejection error. For spawn failures this is the OS-level message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		switch {
		case errors.Is(de.Err, ErrSpawnFailure) && de.Detail != "":
			return de.Detail
		case de.Detail != "":
			return fmt.Sprintf("%s: %s", de.Err, de.Detail)
		default:
			return de.Err.Error()
		}
	}
	return err.Error()
}

// ErrorCode is a machine-parseable error category for monitoring and gateway clients.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAlreadyRunning   ErrorCode = "JOB_ALREADY_RUNNING"
	CodeNotRunning       ErrorCode = "JOB_NOT_RUNNING"
	CodeSpawnFailure     ErrorCode = "JOB_SPAWN_FAILED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeHistoryStore     ErrorCode = "HISTORY_STORE"
	CodeAuditWrite       ErrorCode = "AUDIT_WRITE"
	CodeProbeFailed      ErrorCode = "PROBE_FAILED"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFnd  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidInput  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeScriptNotFound   ErrorCode = "SCRIPT_NOT_FOUND"
	CodeRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	CodeCheckpointNotFnd ErrorCode = "CHECKPOINT_NOT_FOUND"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrAlreadyRunning:  CodeAlreadyRunning,
	ErrNotRunning:      CodeNotRunning,
	ErrSpawnFailure:    CodeSpawnFailure,
	ErrConfigLoad:      CodeConfigLoad,
	ErrHistoryStore:    CodeHistoryStore,
	ErrAuditWrite:      CodeAuditWrite,
	ErrProbeFailed:     CodeProbeFailed,
	ErrGatewayAuth:     CodeGatewayAuth,
	ErrRPCMethodNotFnd: CodeRPCMethodNotFnd,
	ErrRPCInvalidInput: CodeRPCInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"runner": CodeScriptNotFound,
		"store":  CodeRunNotFound,
		"wan":    CodeCheckpointNotFnd,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
