package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/pkg/schema"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func TestEventLog_RecordMonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e, err := el.Record(ctx, "exec-1", "n1", schema.EventNodeCompleted, map[string]any{"visit": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_ConcurrentRecord(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := el.Record(ctx, "exec-1", "", schema.EventNodeCompleted, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := el.History(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, history, 20)
}

func TestEventLog_PublishesAfterAppend(t *testing.T) {
	pub := &recordingPublisher{}
	fixed := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	el := NewEventLog(NewMemoryStore(), WithPublisher(pub), WithEventClock(func() time.Time { return fixed }))

	e, err := el.Record(context.Background(), "exec-1", "", schema.EventExecutionStarted, nil)
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, e, pub.events[0])
	assert.Equal(t, int64(1), pub.events[0].Sequence)
	assert.True(t, fixed.Equal(pub.events[0].Timestamp))
}

func TestEventLog_PublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := NewMemoryStore()
	el := NewEventLog(s, WithPublisher(pub))
	ctx := context.Background()

	_, err := el.Record(ctx, "exec-1", "", schema.EventExecutionStarted, nil)
	require.NoError(t, err)

	events, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_HistoryDetectsGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := el.Record(ctx, "exec-1", "", schema.EventNodeCompleted, nil)
		require.NoError(t, err)
	}
	_, err := s.DB().ExecContext(ctx, `DELETE FROM events WHERE execution_id = ? AND sequence = 2`, "exec-1")
	require.NoError(t, err)

	_, err = el.History(ctx, "exec-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_NodeVisits(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	ctx := context.Background()

	for _, step := range []struct{ node, typ string }{
		{"", schema.EventExecutionStarted},
		{"check", schema.EventNodeCompleted},
		{"nudge", schema.EventNodeCompleted},
		{"check", schema.EventNodeCompleted},
		{"check", schema.EventConditionEvaluated},
		{"escalate", schema.EventNodeFailed},
	} {
		_, err := el.Record(ctx, "exec-1", step.node, step.typ, nil)
		require.NoError(t, err)
	}

	visits, err := el.NodeVisits(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"check": 2, "nudge": 1, "escalate": 1}, visits)
}
