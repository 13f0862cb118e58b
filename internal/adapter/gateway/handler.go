package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"wanctl/internal/adapter/wan"
	"wanctl/internal/domain"
)

// JobService is the part of the generation service the gateway drives.
type JobService interface {
	Start(ctx context.Context, req domain.RunRequest) (*domain.RunHandle, error)
	Cancel() error
	State() domain.ProgressState
	Current() (domain.RunHandle, bool)
	LogFrom(offset int64) (string, int64)
	History(ctx context.Context, limit int) ([]domain.JobRecord, error)
}

// RunDefaults fill in whatever a job.run request leaves out.
type RunDefaults struct {
	Executable string
	Script     string
	Params     wan.Params
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Jobs     JobService
	Defaults RunDefaults
	Bus      domain.EventBus    // can be nil
	Audit    domain.AuditLogger // can be nil
	Logger   *slog.Logger
}

// audit records a job-changing request. Write failures are logged only.
func (d HandlerDeps) audit(ctx context.Context, typ domain.AuditEventType, client *ClientInfo, err error, detail map[string]string) {
	if d.Audit == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(domain.ErrorCodeOf(err))
	}
	ev := domain.AuditEvent{Type: typ, Outcome: outcome, Resource: "job", Detail: detail}
	if client != nil {
		ev.Actor = client.Name
	}
	if werr := d.Audit.Log(ctx, ev); werr != nil {
		d.Logger.Warn("audit write failed", "error", werr)
	}
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("job.run", jobRunHandler(deps))
	s.RegisterHandler("job.cancel", jobCancelHandler(deps))
	s.RegisterHandler("job.state", jobStateHandler(deps))
	s.RegisterHandler("job.log", jobLogHandler(deps))
	s.RegisterHandler("job.history", jobHistoryHandler(deps))
	s.RegisterHandler("job.estimate", jobEstimateHandler(deps))
}

// RegisterRESTHandlers registers the HTTP status and metrics endpoints.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventJobStarted, func(context.Context, domain.Event) {
			metrics.JobsStarted.Add(1)
		})
		deps.Bus.Subscribe(domain.EventJobOutput, func(_ context.Context, e domain.Event) {
			var out domain.OutputEvent
			if json.Unmarshal(e.Payload, &out) == nil {
				metrics.OutputBytes.Add(int64(len(out.Data)))
			}
		})
		deps.Bus.Subscribe(domain.EventJobExited, func(_ context.Context, e domain.Event) {
			var ev domain.ExitEvent
			if err := json.Unmarshal(e.Payload, &ev); err != nil {
				return
			}
			switch {
			case ev.Cancelled:
				metrics.JobsCancelled.Add(1)
			case ev.Success():
				metrics.JobsSucceeded.Add(1)
			default:
				metrics.JobsFailed.Add(1)
			}
		})
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFrom(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))
	return metrics
}

func invalidPayload(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrRPCInvalidInput, detail)
}

// decode unmarshals payload into v. An empty payload leaves v untouched.
func decode(op string, payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return invalidPayload(op, err.Error())
	}
	return nil
}

// resolveParams overlays raw onto the configured defaults.
func resolveParams(op string, defaults wan.Params, raw json.RawMessage) (wan.Params, error) {
	if err := validateParams(op, raw); err != nil {
		return wan.Params{}, err
	}
	p := defaults
	if err := decode(op, raw, &p); err != nil {
		return wan.Params{}, err
	}
	return p, nil
}

// --- job ---

type jobRunRequest struct {
	Executable       string            `json:"executable,omitempty"`
	ScriptPath       string            `json:"script_path,omitempty"`
	Arguments        []string          `json:"arguments,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Params           json.RawMessage   `json:"params,omitempty"`
}

func jobRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req jobRunRequest
		if err := decode("job.run", payload, &req); err != nil {
			return nil, err
		}

		run := domain.RunRequest{
			Executable:       req.Executable,
			ScriptPath:       req.ScriptPath,
			Arguments:        req.Arguments,
			WorkingDirectory: req.WorkingDirectory,
			Env:              req.Env,
		}
		if run.Executable == "" {
			run.Executable = deps.Defaults.Executable
		}
		if run.ScriptPath == "" {
			run.ScriptPath = deps.Defaults.Script
		}
		if len(req.Params) > 0 {
			if len(req.Arguments) > 0 {
				return nil, invalidPayload("job.run", "arguments and params are mutually exclusive")
			}
			p, err := resolveParams("job.run", deps.Defaults.Params, req.Params)
			if err != nil {
				return nil, err
			}
			if err := p.Validate(); err != nil {
				return nil, err
			}
			run.Arguments = p.Args()
		}

		// the job outlives the RPC call
		h, err := deps.Jobs.Start(context.WithoutCancel(ctx), run)
		if err != nil {
			deps.audit(ctx, domain.AuditJobRun, client, err, map[string]string{"script": run.ScriptPath})
			return nil, err
		}
		deps.audit(ctx, domain.AuditJobRun, client, nil, map[string]string{"run_id": h.ID, "script": run.ScriptPath})
		deps.Logger.Info("gateway job started", "client", client.Name, "run_id", h.ID)
		return json.Marshal(h)
	}
}

type jobCancelResponse struct {
	Cancelling bool `json:"cancelling"`
}

func jobCancelHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		err := deps.Jobs.Cancel()
		deps.audit(ctx, domain.AuditJobCancel, client, err, nil)
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("gateway job cancel", "client", client.Name)
		return json.Marshal(jobCancelResponse{Cancelling: true})
	}
}

// JobState combines the runner handle and the derived progress.
type JobState struct {
	Handle   *domain.RunHandle    `json:"handle,omitempty"`
	Progress domain.ProgressState `json:"progress"`
}

func currentState(jobs JobService) JobState {
	st := JobState{Progress: jobs.State()}
	if h, ok := jobs.Current(); ok {
		st.Handle = &h
	}
	return st
}

func jobStateHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(currentState(deps.Jobs))
	}
}

type jobLogRequest struct {
	Offset int64 `json:"offset"`
}

type jobLogResponse struct {
	Data string `json:"data"`
	Next int64  `json:"next"`
}

func jobLogHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req jobLogRequest
		if err := decode("job.log", payload, &req); err != nil {
			return nil, err
		}
		if req.Offset < 0 {
			return nil, invalidPayload("job.log", "offset must be >= 0")
		}
		data, next := deps.Jobs.LogFrom(req.Offset)
		return json.Marshal(jobLogResponse{Data: data, Next: next})
	}
}

type jobHistoryRequest struct {
	Limit int `json:"limit"`
}

func jobHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req jobHistoryRequest
		if err := decode("job.history", payload, &req); err != nil {
			return nil, err
		}
		recs, err := deps.Jobs.History(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []domain.JobRecord{}
		}
		return json.Marshal(recs)
	}
}

type jobEstimateRequest struct {
	Params json.RawMessage `json:"params"`
	GPU    *wan.GPUInfo    `json:"gpu,omitempty"`
}

type jobEstimateResponse struct {
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
	Frames    int    `json:"frames"`
	Steps     int    `json:"steps"`
}

func jobEstimateHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req jobEstimateRequest
		if err := decode("job.estimate", payload, &req); err != nil {
			return nil, err
		}
		p, err := resolveParams("job.estimate", deps.Defaults.Params, req.Params)
		if err != nil {
			return nil, err
		}
		d := wan.Estimate(p, req.GPU)
		return json.Marshal(jobEstimateResponse{
			Seconds:   int64(d / time.Second),
			Formatted: wan.FormatEstimate(d),
			Frames:    p.FrameNum(),
			Steps:     p.SampleSteps(),
		})
	}
}
