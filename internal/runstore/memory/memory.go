// Package memory is an in-process runstore.Store backend: a mutex-guarded
// map standing in for a real database, suitable for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rakunlabs/fluxo/internal/runstore"
)

// Memory is an in-memory runstore.Store and runstore.FlowStore.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string]*runstore.Run
	flows    map[string]*runstore.FlowRecord
	flowAPIs map[string]*runstore.FlowAPI
}

// New returns an empty in-memory store.
func New() *Memory {
	slog.Info("runstore: using in-memory store")
	return &Memory{
		runs:     make(map[string]*runstore.Run),
		flows:    make(map[string]*runstore.FlowRecord),
		flowAPIs: make(map[string]*runstore.FlowAPI),
	}
}

func (m *Memory) CreateRun(_ context.Context, run *runstore.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*runstore.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("runstore: run %q not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateRun(_ context.Context, id string, fn func(*runstore.Run) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("runstore: run %q not found", id)
	}
	return fn(r)
}

func (m *Memory) ListRuns(_ context.Context, filter runstore.ListFilter) ([]*runstore.Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*runstore.Run
	for _, r := range m.runs {
		if filter.FlowID != "" && r.FlowID != filter.FlowID {
			continue
		}
		if filter.FlowAPIID != "" && r.FlowAPIID != filter.FlowAPIID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	page := make([]*runstore.Run, 0, end-start)
	for _, r := range matched[start:end] {
		cp := *r
		page = append(page, &cp)
	}
	return page, total, nil
}

func (m *Memory) AddArtifacts(_ context.Context, runID string, artifacts []runstore.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("runstore: run %q not found", runID)
	}
	r.Artifacts = append(r.Artifacts, artifacts...)
	return nil
}

func (m *Memory) ExpiredTerminalRuns(_ context.Context, now int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, r := range m.runs {
		if !runstore.IsTerminal(r.Status) {
			continue
		}
		if r.ExpiresAt.Unix() < now {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) ExpireRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("runstore: run %q not found", id)
	}
	r.Status = runstore.StatusExpired
	r.Outputs = nil
	r.NodeResults = nil
	r.Logs = nil
	r.Artifacts = nil
	return nil
}

func (m *Memory) Close() error { return nil }

// ─── FlowStore ───

func (m *Memory) CreateFlow(_ context.Context, f *runstore.FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.flows[f.ID] = &cp
	return nil
}

func (m *Memory) GetFlow(_ context.Context, id string) (*runstore.FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, fmt.Errorf("runstore: flow %q not found", id)
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) UpdateFlow(_ context.Context, id string, fn func(*runstore.FlowRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return fmt.Errorf("runstore: flow %q not found", id)
	}
	return fn(f)
}

func (m *Memory) DeleteFlow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return fmt.Errorf("runstore: flow %q not found", id)
	}
	delete(m.flows, id)
	return nil
}

func (m *Memory) ListFlows(_ context.Context, filter runstore.FlowFilter) ([]*runstore.FlowRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*runstore.FlowRecord, 0, len(m.flows))
	for _, f := range m.flows {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = len(all)
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*runstore.FlowRecord, 0, end-start)
	for _, f := range all[start:end] {
		cp := *f
		out = append(out, &cp)
	}
	return out, total, nil
}

// ─── Flow-API CRUD ───

func (m *Memory) CreateFlowAPI(_ context.Context, api *runstore.FlowAPI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.flowAPIs {
		if existing.Slug == api.Slug {
			return fmt.Errorf("runstore: slug %q already in use", api.Slug)
		}
	}
	cp := *api
	m.flowAPIs[api.ID] = &cp
	return nil
}

func (m *Memory) GetFlowAPI(_ context.Context, id string) (*runstore.FlowAPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.flowAPIs[id]
	if !ok {
		return nil, fmt.Errorf("runstore: flow-api %q not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetFlowAPIBySlug(_ context.Context, slug string) (*runstore.FlowAPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.flowAPIs {
		if a.Slug == slug {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("runstore: flow-api with slug %q not found", slug)
}

func (m *Memory) UpdateFlowAPI(_ context.Context, id string, fn func(*runstore.FlowAPI) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.flowAPIs[id]
	if !ok {
		return fmt.Errorf("runstore: flow-api %q not found", id)
	}
	return fn(a)
}

func (m *Memory) DeleteFlowAPI(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flowAPIs[id]; !ok {
		return fmt.Errorf("runstore: flow-api %q not found", id)
	}
	delete(m.flowAPIs, id)
	return nil
}

func (m *Memory) ListFlowAPIs(_ context.Context, flowID string) ([]*runstore.FlowAPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*runstore.FlowAPI
	for _, a := range m.flowAPIs {
		if flowID != "" && a.FlowID != flowID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
