package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := testExecution("wf-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.Context["mutated"] = true
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Context, "mutated")

	got.Context["also"] = true
	again, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Context, "also")
}

func TestMemoryStore_NumbersDecodeAsFloat(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := testExecution("wf-1")
	exec.Context = map[string]any{"count": 3}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got.Context["count"])
}

func TestMemoryStore_UpdateKeepsIdentity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := testExecution("wf-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.WorkflowID = "other"
	require.NoError(t, s.UpdateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
}
