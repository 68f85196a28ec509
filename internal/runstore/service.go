package runstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/fluxo/internal/cache"
	"github.com/rakunlabs/fluxo/internal/flow"
	"github.com/rakunlabs/fluxo/internal/scheduler"
)

// ExecuteOptions carries the per-run knobs §4.5 operations accept.
type ExecuteOptions struct {
	TTL         *int // seconds
	TimeoutMS   int
	Webhook     string
	FlowAPI     FlowAPILimits
	Auth        AuthLimits
	NodeTimeout time.Duration
}

// AsyncHandle is what executeFlowAsync returns immediately.
type AsyncHandle struct {
	RunID     string
	StatusURL string
	ResultURL string
}

// Service implements the Run Service operations of §4.5, driving a
// Scheduler on behalf of HTTP handlers.
type Service struct {
	store     Store
	schedOpts []scheduler.Option
	urlPrefix string // used to build StatusURL/ResultURL, e.g. "/api/v1/runs"
}

// New builds a Service backed by store. urlPrefix is prefixed onto run ids
// to build the status/result URLs returned by executeFlowAsync.
func New(store Store, urlPrefix string, schedOpts ...scheduler.Option) *Service {
	return &Service{store: store, schedOpts: schedOpts, urlPrefix: urlPrefix}
}

// CreateRun inserts a pending record with expiresAt = createdAt + ttl.
func (s *Service) CreateRun(ctx context.Context, flowID string, inputs map[string]any, opts CreateRunOptions) (string, error) {
	now := time.Now()
	ttl := 0
	if opts.TTL != nil {
		ttl = *opts.TTL
	}

	run := &Run{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		FlowAPIID: opts.FlowAPIID,
		APIKeyID:  opts.APIKeyID,
		ClientIP:  opts.ClientIP,
		UserAgent: opts.UserAgent,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
		Inputs:    inputs,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("runstore: create run: %w", err)
	}
	return run.ID, nil
}

// UpdateRunStatus sets status and merges partialFields, stamping
// startedAt/completedAt on the relevant transitions.
func (s *Service) UpdateRunStatus(ctx context.Context, runID string, status Status, apply func(*Run)) error {
	return s.store.UpdateRun(ctx, runID, func(r *Run) error {
		r.Status = status
		now := time.Now()
		if status == StatusRunning && r.StartedAt == nil {
			r.StartedAt = &now
		}
		if IsTerminal(status) && r.CompletedAt == nil {
			r.CompletedAt = &now
		}
		if apply != nil {
			apply(r)
		}
		return nil
	})
}

// AddArtifacts batches an insert of artifacts onto runID.
func (s *Service) AddArtifacts(ctx context.Context, runID string, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	return s.store.AddArtifacts(ctx, runID, artifacts)
}

// GetRun loads a run record. The in-memory store returns it with its
// artifacts; the Postgres store does not read the artifacts table, so its
// records come back with no artifacts.
func (s *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns a page of run records per filter. Pagination is
// mandatory — callers must not be able to request an unbounded page.
func (s *Service) ListRuns(ctx context.Context, filter ListFilter) ([]*Run, int, error) {
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	return s.store.ListRuns(ctx, filter)
}

// CancelRun marks a pending or running run cancelled. It does not itself
// stop a live scheduler — the caller pairs this with the scheduler's own
// cancel() via the context passed to ExecuteFlowSync.
func (s *Service) CancelRun(ctx context.Context, runID string) (bool, error) {
	var cancelled bool
	err := s.store.UpdateRun(ctx, runID, func(r *Run) error {
		if r.Status != StatusPending && r.Status != StatusRunning {
			return nil
		}
		r.Status = StatusCancelled
		now := time.Now()
		r.CompletedAt = &now
		cancelled = true
		return nil
	})
	return cancelled, err
}

// CleanupExpiredRuns is the sweeper op of §4.5: for every terminal record
// past its TTL, artifacts are dropped, outputs/nodeResults/logs are wiped,
// and status becomes "expired". Idempotent and safe to run concurrently
// with writers since it only mutates rows already terminal.
func (s *Service) CleanupExpiredRuns(ctx context.Context) (int, error) {
	ids, err := s.store.ExpiredTerminalRuns(ctx, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("runstore: list expired runs: %w", err)
	}
	for _, id := range ids {
		if err := s.store.ExpireRun(ctx, id); err != nil {
			slog.Error("runstore: expire run failed", "run_id", id, "error", err)
			continue
		}
	}
	return len(ids), nil
}

// ExecuteFlowSync implements §4.5: maps API inputs onto f's input nodes,
// drives the Scheduler, extracts artifacts, finalizes the run, and returns
// the updated record.
func (s *Service) ExecuteFlowSync(ctx context.Context, runID string, f *flow.Flow, inputs map[string]any, opts ExecuteOptions) (*Run, error) {
	if err := s.UpdateRunStatus(ctx, runID, StatusRunning, nil); err != nil {
		return nil, err
	}

	resolved := flow.ApplyInputs(f, inputs)

	nodeTimeout := opts.NodeTimeout
	if nodeTimeout == 0 {
		nodeTimeout = 60 * time.Second
	}
	if opts.TimeoutMS > 0 {
		nodeTimeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}

	bus := scheduler.NewBus()
	sched := scheduler.New(cache.New(), bus, append(s.schedOpts, scheduler.WithNodeTimeout(nodeTimeout))...)

	total := len(resolved.Nodes)
	var done int
	unsubscribe := bus.Subscribe(func(ev scheduler.Event) {
		switch ev.Type {
		case scheduler.EventNodeStart:
			_ = s.store.UpdateRun(ctx, runID, func(r *Run) error {
				r.CurrentNode = ev.NodeID
				return nil
			})
		case scheduler.EventNodeFinish:
			done++
			progress := 0
			if total > 0 {
				progress = done * 100 / total
			}
			_ = s.store.UpdateRun(ctx, runID, func(r *Run) error {
				r.Progress = progress
				return nil
			})
		case scheduler.EventProgress:
			_ = s.store.UpdateRun(ctx, runID, func(r *Run) error {
				r.Logs = append(r.Logs, fmt.Sprintf("[%s] %s", ev.NodeID, ev.Message))
				return nil
			})
		case scheduler.EventNodeError, scheduler.EventFlowError:
			msg := ev.Message
			if msg == "" && ev.Err != nil {
				msg = ev.Err.Error()
			}
			_ = s.store.UpdateRun(ctx, runID, func(r *Run) error {
				r.Logs = append(r.Logs, fmt.Sprintf("error[%s]: %s", ev.NodeID, msg))
				return nil
			})
		}
	})
	defer unsubscribe()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	state, err := sched.ExecuteFlow(runCtx, resolved)
	if err != nil {
		_ = s.UpdateRunStatus(ctx, runID, StatusFailed, func(r *Run) {
			r.Error = &RunError{Message: err.Error(), Type: "internal"}
		})
		return s.GetRun(ctx, runID)
	}

	status, runErr := s.translateState(state, runCtx)

	cleanedOutputs, artifacts := ExtractArtifacts(runID, state.Outputs, func() string { return uuid.NewString() })
	if err := s.AddArtifacts(ctx, runID, artifacts); err != nil {
		slog.Error("runstore: add artifacts failed", "run_id", runID, "error", err)
	}

	nodeResults := make(map[string]any, len(state.NodeResults))
	for id, r := range state.NodeResults {
		nodeResults[id] = r
	}

	if err := s.UpdateRunStatus(ctx, runID, status, func(r *Run) {
		r.Outputs = cleanedOutputs
		r.NodeResults = nodeResults
		r.Error = runErr
		r.Progress = 100
	}); err != nil {
		return nil, err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if opts.Webhook != "" && IsTerminal(run.Status) {
		go deliverWebhook(context.Background(), opts.Webhook, run)
	}
	return run, nil
}

func (s *Service) translateState(state *scheduler.ExecutionState, ctx context.Context) (Status, *RunError) {
	switch state.Status {
	case "completed":
		return StatusCompleted, nil
	case "cancelled":
		return StatusCancelled, nil
	case "error":
		errType := "runtime"
		if state.Err != nil {
			errType = state.Err.Type
		}
		if errType == "timeout" {
			return StatusTimeout, &RunError{Message: state.Err.Message, Type: errType}
		}
		msg := "node execution failed"
		if state.Err != nil {
			msg = state.Err.Message
		}
		return StatusFailed, &RunError{Message: msg, Type: errType}
	default:
		if ctx.Err() != nil {
			return StatusTimeout, &RunError{Message: "run deadline exceeded", Type: "timeout"}
		}
		return StatusFailed, &RunError{Message: "unknown scheduler state", Type: "internal"}
	}
}

// ExecuteFlowAsync creates the run and spawns a background task that calls
// ExecuteFlowSync, returning immediately with the run's status/result
// locations. The webhook, if any, fires from within ExecuteFlowSync once
// the background task completes.
func (s *Service) ExecuteFlowAsync(ctx context.Context, f *flow.Flow, inputs map[string]any, createOpts CreateRunOptions, execOpts ExecuteOptions) (AsyncHandle, error) {
	runID, err := s.CreateRun(ctx, f.ID, inputs, createOpts)
	if err != nil {
		return AsyncHandle{}, err
	}

	go func() {
		bgCtx := context.Background()
		if _, err := s.ExecuteFlowSync(bgCtx, runID, f, inputs, execOpts); err != nil {
			slog.Error("runstore: async execution failed", "run_id", runID, "error", err)
		}
	}()

	return AsyncHandle{
		RunID:     runID,
		StatusURL: fmt.Sprintf("%s/%s", s.urlPrefix, runID),
		ResultURL: fmt.Sprintf("%s/%s", s.urlPrefix, runID),
	}, nil
}
