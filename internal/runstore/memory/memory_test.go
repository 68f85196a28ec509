package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/runstore"
	"github.com/rakunlabs/fluxo/internal/runstore/memory"
)

var (
	_ runstore.Store     = (*memory.Memory)(nil)
	_ runstore.FlowStore = (*memory.Memory)(nil)
)

func TestFlowCRUDRoundTrip(t *testing.T) {
	m := memory.New()
	ctx := context.Background()

	f := &runstore.FlowRecord{ID: "f1", Name: "demo", Version: "1", CreatedAt: time.Now()}
	require.NoError(t, m.CreateFlow(ctx, f))

	got, err := m.GetFlow(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)

	require.NoError(t, m.UpdateFlow(ctx, "f1", func(r *runstore.FlowRecord) error {
		r.Name = "renamed"
		return nil
	}))
	got, err = m.GetFlow(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, m.DeleteFlow(ctx, "f1"))
	_, err = m.GetFlow(ctx, "f1")
	require.Error(t, err)
}

func TestFlowAPISlugLookupAndUniqueness(t *testing.T) {
	m := memory.New()
	ctx := context.Background()

	api := &runstore.FlowAPI{ID: "a1", FlowID: "f1", Slug: "my-flow", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, m.CreateFlowAPI(ctx, api))

	dup := &runstore.FlowAPI{ID: "a2", FlowID: "f2", Slug: "my-flow", CreatedAt: time.Now()}
	require.Error(t, m.CreateFlowAPI(ctx, dup))

	got, err := m.GetFlowAPIBySlug(ctx, "my-flow")
	require.NoError(t, err)
	require.Equal(t, "a1", got.ID)

	list, err := m.ListFlowAPIs(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
