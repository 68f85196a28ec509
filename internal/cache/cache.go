// Package cache implements the per-flow execution cache described in §4.2:
// a process-local, in-memory mapping from node id to cache record with a
// four-state-plus lifecycle, breadth-first downstream invalidation, and a
// generation counter used to order overlapping invalidations.
//
// A Cache is owned by exactly one running Scheduler instance (per §3,
// "Ownership"); it is not safe to share across concurrently executing
// flows, though reads from a single flow's own goroutines are safe thanks
// to the internal mutex.
package cache

import (
	"sync"
	"time"
)

// Status is a cache record's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStale     Status = "stale"
	StatusError     Status = "error"
)

// Record is the cache entry for a single node. Per the §3 invariants: if
// Status is Completed, Output is non-nil; if Status is Error, Err is
// non-nil.
type Record struct {
	Status         Status
	Output         map[string]any
	Err            *ExecError
	LastExecutedAt time.Time
	ExecutionTime  time.Duration
	generation     uint64
}

// ExecError is the error shape recorded on a failed node, matching the
// scheduler's ExecutionResult error object (§4.3.2).
type ExecError struct {
	Message string
	Type    string
}

// edgeRef is the minimal edge shape the cache needs for downstream
// reachability: an id (for isEdgeReady) plus source/target node ids.
type edgeRef struct {
	id     string
	source string
	target string
}

// Cache holds every known node's record plus the edge set used to compute
// downstream reachability for invalidation.
type Cache struct {
	mu         sync.Mutex
	records    map[string]*Record
	edges      []edgeRef
	outAdj     map[string][]string // source -> []target, derived from edges
	generation uint64
}

// New creates an empty cache with no edges. Call SetEdges once the flow's
// edge set is known; the scheduler does so before it starts executing.
func New() *Cache {
	return &Cache{
		records: make(map[string]*Record),
		outAdj:  make(map[string][]string),
	}
}

// EdgeInput is the shape callers provide to SetEdges; it intentionally
// avoids importing the flow package so cache stays a leaf dependency.
type EdgeInput struct {
	ID     string
	Source string
	Target string
}

// SetEdges (re)builds the cache's edge index used for invalidation BFS and
// isEdgeReady. Call this once after loading a flow, before execution.
func (c *Cache) SetEdges(edges []EdgeInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.edges = make([]edgeRef, 0, len(edges))
	c.outAdj = make(map[string][]string, len(edges))
	for _, e := range edges {
		c.edges = append(c.edges, edgeRef{id: e.ID, source: e.Source, target: e.Target})
		c.outAdj[e.Source] = append(c.outAdj[e.Source], e.Target)
	}
}

// ensure returns the record for id, creating an idle one if absent. Must be
// called with c.mu held.
func (c *Cache) ensure(id string) *Record {
	r, ok := c.records[id]
	if !ok {
		r = &Record{Status: StatusIdle}
		c.records[id] = r
	}
	return r
}

// Get returns a copy of the node's current record and whether it exists.
func (c *Cache) Get(nodeID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[nodeID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// SetOutput marks a node completed with the given output, per §4.2.
func (c *Cache) SetOutput(nodeID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	r := c.ensure(nodeID)
	r.Status = StatusCompleted
	r.Output = output
	r.Err = nil
	r.LastExecutedAt = time.Now()
	r.generation = c.generation
}

// SetStatusOpts carries the optional fields SetStatus may update; absent
// (nil) fields preserve whatever the record already holds.
type SetStatusOpts struct {
	Output        map[string]any
	Err           *ExecError
	ExecutionTime *time.Duration
}

// SetStatus performs an explicit transition, preserving prior fields when
// the corresponding option is absent.
func (c *Cache) SetStatus(nodeID string, status Status, opts SetStatusOpts) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	r := c.ensure(nodeID)
	r.Status = status
	if opts.Output != nil {
		r.Output = opts.Output
	}
	if opts.Err != nil {
		r.Err = opts.Err
	}
	if opts.ExecutionTime != nil {
		r.ExecutionTime = *opts.ExecutionTime
	}
	if status == StatusCompleted || status == StatusRunning {
		r.LastExecutedAt = time.Now()
	}
	r.generation = c.generation
}

// Invalidate sets nodeID and every node transitively reachable from it via
// outgoing edges to Stale, using breadth-first traversal. Matches §4.2 and
// the invariant in §8: every node reachable from n is stale, no others are
// touched by this call.
func (c *Cache) Invalidate(nodeID string) {
	c.invalidate(nodeID, true)
}

// InvalidateDownstream is Invalidate without touching nodeID itself — used
// when the node has just produced a fresh value and only its consumers are
// now out of date.
func (c *Cache) InvalidateDownstream(nodeID string) {
	c.invalidate(nodeID, false)
}

func (c *Cache) invalidate(nodeID string, includeSelf bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	gen := c.generation

	visited := make(map[string]bool)
	queue := []string{nodeID}
	visited[nodeID] = true

	if includeSelf {
		r := c.ensure(nodeID)
		r.Status = StatusStale
		r.generation = gen
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range c.outAdj[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			r := c.ensure(next)
			r.Status = StatusStale
			r.generation = gen
			queue = append(queue, next)
		}
	}
}

// ClearAll resets every known node back to Idle.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for _, r := range c.records {
		r.Status = StatusIdle
		r.Output = nil
		r.Err = nil
		r.generation = c.generation
	}
}

// IsEdgeReady reports whether the edge's source node has completed, i.e.
// its output is available for the target to consume.
func (c *Cache) IsEdgeReady(edgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.edges {
		if e.id == edgeID {
			r, ok := c.records[e.source]
			return ok && r.Status == StatusCompleted
		}
	}
	return false
}

// Downstream returns the set of node ids transitively reachable from
// nodeID via outgoing edges (nodeID itself excluded). Exposed for testing
// and for observers that want to know the blast radius of a pending edit
// without mutating the cache.
func (c *Cache) Downstream(nodeID string) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	visited := make(map[string]bool)
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range c.outAdj[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return visited
}
