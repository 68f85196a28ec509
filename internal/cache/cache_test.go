package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/cache"
)

// diamond builds a -> b -> d, a -> c -> d plus an unrelated e node.
func diamond() *cache.Cache {
	c := cache.New()
	c.SetEdges([]cache.EdgeInput{
		{ID: "e1", Source: "a", Target: "b"},
		{ID: "e2", Source: "a", Target: "c"},
		{ID: "e3", Source: "b", Target: "d"},
		{ID: "e4", Source: "c", Target: "d"},
	})
	return c
}

func TestInvalidateReachesExactlyDownstreamSet(t *testing.T) {
	c := diamond()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		c.SetOutput(id, map[string]any{"v": 1})
	}

	c.Invalidate("b")

	rb, _ := c.Get("b")
	require.Equal(t, cache.StatusStale, rb.Status)
	rd, _ := c.Get("d")
	require.Equal(t, cache.StatusStale, rd.Status)

	ra, _ := c.Get("a")
	require.Equal(t, cache.StatusCompleted, ra.Status)
	rc, _ := c.Get("c")
	require.Equal(t, cache.StatusCompleted, rc.Status)
	re, _ := c.Get("e")
	require.Equal(t, cache.StatusCompleted, re.Status)
}

func TestInvalidateDownstreamExcludesSelf(t *testing.T) {
	c := diamond()
	for _, id := range []string{"a", "b", "c", "d"} {
		c.SetOutput(id, map[string]any{"v": 1})
	}

	c.InvalidateDownstream("a")

	ra, _ := c.Get("a")
	require.Equal(t, cache.StatusCompleted, ra.Status, "self must not be staled by InvalidateDownstream")

	for _, id := range []string{"b", "c", "d"} {
		r, _ := c.Get(id)
		require.Equalf(t, cache.StatusStale, r.Status, "node %s should be stale", id)
	}
}

func TestInvalidateFromLeafOnlyTouchesLeaf(t *testing.T) {
	c := diamond()
	for _, id := range []string{"a", "b", "c", "d"} {
		c.SetOutput(id, map[string]any{"v": 1})
	}

	c.Invalidate("d")

	rd, _ := c.Get("d")
	require.Equal(t, cache.StatusStale, rd.Status)

	for _, id := range []string{"a", "b", "c"} {
		r, _ := c.Get(id)
		require.Equalf(t, cache.StatusCompleted, r.Status, "node %s must be untouched", id)
	}
}

func TestSetOutputRequiresNonNilOnCompleted(t *testing.T) {
	c := cache.New()
	c.SetOutput("n", map[string]any{"x": 1})
	r, ok := c.Get("n")
	require.True(t, ok)
	require.Equal(t, cache.StatusCompleted, r.Status)
	require.NotNil(t, r.Output)
}

func TestSetStatusErrorCarriesErrValue(t *testing.T) {
	c := cache.New()
	execErr := &cache.ExecError{Message: "boom", Type: "runtime"}
	c.SetStatus("n", cache.StatusError, cache.SetStatusOpts{Err: execErr})

	r, ok := c.Get("n")
	require.True(t, ok)
	require.Equal(t, cache.StatusError, r.Status)
	require.NotNil(t, r.Err)
	require.Equal(t, "boom", r.Err.Message)
}

func TestSetStatusNeverLeavesRunningAndCompletedSimultaneously(t *testing.T) {
	c := cache.New()
	c.SetStatus("n", cache.StatusRunning, cache.SetStatusOpts{})
	r, _ := c.Get("n")
	require.Equal(t, cache.StatusRunning, r.Status)

	c.SetOutput("n", map[string]any{"done": true})
	r, _ = c.Get("n")
	require.Equal(t, cache.StatusCompleted, r.Status)
	require.NotEqual(t, cache.StatusRunning, r.Status)
}

func TestClearAllResetsEveryRecordToIdle(t *testing.T) {
	c := diamond()
	for _, id := range []string{"a", "b", "c", "d"} {
		c.SetOutput(id, map[string]any{"v": 1})
	}

	c.ClearAll()

	for _, id := range []string{"a", "b", "c", "d"} {
		r, ok := c.Get(id)
		require.True(t, ok)
		require.Equal(t, cache.StatusIdle, r.Status)
		require.Nil(t, r.Output)
	}
}

func TestIsEdgeReadyReflectsSourceCompletion(t *testing.T) {
	c := diamond()
	require.False(t, c.IsEdgeReady("e1"))

	c.SetOutput("a", map[string]any{"v": 1})
	require.True(t, c.IsEdgeReady("e1"))
	require.False(t, c.IsEdgeReady("e3"), "b hasn't completed yet")

	require.False(t, c.IsEdgeReady("no-such-edge"))
}

func TestDownstreamDoesNotMutateState(t *testing.T) {
	c := diamond()
	c.SetOutput("a", map[string]any{"v": 1})

	set := c.Downstream("a")
	require.True(t, set["b"])
	require.True(t, set["c"])
	require.True(t, set["d"])
	require.False(t, set["a"])

	ra, _ := c.Get("a")
	require.Equal(t, cache.StatusCompleted, ra.Status, "Downstream must be read-only")
}

func TestExecutionTimeRecorded(t *testing.T) {
	c := cache.New()
	d := 42 * time.Millisecond
	c.SetStatus("n", cache.StatusCompleted, cache.SetStatusOpts{
		Output:        map[string]any{"v": 1},
		ExecutionTime: &d,
	})
	r, _ := c.Get("n")
	require.Equal(t, d, r.ExecutionTime)
}
