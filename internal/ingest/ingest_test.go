package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// scriptedHandler records changes and returns queued errors in order.
type scriptedHandler struct {
	mu      sync.Mutex
	changes []signals.Change
	errs    []error
}

func (h *scriptedHandler) HandleChange(_ context.Context, c *signals.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, *c)
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *scriptedHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}

func startConsumer(t *testing.T, h Handler) (*Consumer, *SignalPublisher, message.Publisher) {
	t.Helper()
	pubSub := NewGoChannel(slog.Default())
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := NewConsumer(pubSub, "", h, slog.Default())
	require.NoError(t, c.Start(ctx))
	return c, NewSignalPublisher(pubSub, ""), pubSub
}

func attendanceChange() *signals.Change {
	return &signals.Change{
		Kind:       schema.TriggerMetricThreshold,
		EntityType: "student",
		EntityID:   "s-1",
		Signals:    map[string]any{"attendance": map[string]any{"rate": 72.0}},
	}
}

func TestConsumer_DeliversChanges(t *testing.T) {
	h := &scriptedHandler{}
	c, pub, _ := startConsumer(t, h)

	require.NoError(t, pub.Publish(context.Background(), attendanceChange()))

	assert.Eventually(t, func() bool { return c.Stats().Handled == 1 }, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.changes, 1)
	got := h.changes[0]
	assert.Equal(t, "s-1", got.EntityID)
	assert.Equal(t, schema.TriggerMetricThreshold, got.Kind)
	assert.Equal(t, signals.Map{"attendance.rate": 72.0}, got.Current())
}

func TestConsumer_DropsMalformedMessages(t *testing.T) {
	h := &scriptedHandler{}
	c, _, raw := startConsumer(t, h)

	require.NoError(t, raw.Publish(SignalsTopic, message.NewMessage(watermill.NewUUID(), []byte(`{not json`))))
	require.NoError(t, raw.Publish(SignalsTopic, message.NewMessage(watermill.NewUUID(), []byte(`{"entity_type": "student"}`))))

	assert.Eventually(t, func() bool { return c.Stats().Rejected == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.Calls())
}

func TestConsumer_RedeliversTransientErrors(t *testing.T) {
	h := &scriptedHandler{errs: []error{
		schema.NewError(schema.ErrCodeStore, "database is locked"),
		schema.NewError(schema.ErrCodeLeaseHeld, "lease held"),
	}}
	c, pub, _ := startConsumer(t, h)

	require.NoError(t, pub.Publish(context.Background(), attendanceChange()))

	assert.Eventually(t, func() bool { return c.Stats().Handled == 1 }, time.Second, 5*time.Millisecond)
	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Redelivered)
	assert.EqualValues(t, 3, stats.Received)
	assert.Equal(t, 3, h.Calls())
}

func TestConsumer_PermanentErrorsAreNotRetried(t *testing.T) {
	h := &scriptedHandler{errs: []error{schema.NewError(schema.ErrCodeNotFound, "workflow not found")}}
	c, pub, _ := startConsumer(t, h)

	require.NoError(t, pub.Publish(context.Background(), attendanceChange()))

	assert.Eventually(t, func() bool { return c.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Stats().Redelivered)
	assert.Equal(t, 1, h.Calls())
}

func TestConsumer_RedeliveryIsBounded(t *testing.T) {
	storeErr := schema.NewError(schema.ErrCodeStore, "database is locked")
	h := &scriptedHandler{errs: []error{storeErr, storeErr, storeErr, storeErr, storeErr}}

	pubSub := NewGoChannel(slog.Default())
	defer pubSub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConsumer(pubSub, "", h, slog.Default())
	c.MaxRedeliveries = 2
	require.NoError(t, c.Start(ctx))
	require.NoError(t, NewSignalPublisher(pubSub, "").Publish(ctx, attendanceChange()))

	assert.Eventually(t, func() bool { return c.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.Calls())
	assert.EqualValues(t, 2, c.Stats().Redelivered)
}

func TestConsumer_StopsWithContext(t *testing.T) {
	pubSub := NewGoChannel(slog.Default())
	defer pubSub.Close()
	ctx, cancel := context.WithCancel(context.Background())

	c := NewConsumer(pubSub, "", HandlerFunc(func(context.Context, *signals.Change) error { return nil }), nil)
	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx), "double start")

	cancel()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}

func TestSignalPublisher_RejectsInvalidChange(t *testing.T) {
	pub := NewSignalPublisher(NewGoChannel(nil), "")
	err := pub.Publish(context.Background(), &signals.Change{EntityType: "student"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEventPublisher(t *testing.T) {
	pubSub := NewGoChannel(slog.Default())
	defer pubSub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, EventsTopic)
	require.NoError(t, err)

	var _ store.EventPublisher = NewEventPublisher(pubSub, "")
	event := &store.Event{
		ExecutionID: "exec-1",
		NodeID:      "B",
		Type:        "node_completed",
		Payload:     json.RawMessage(`{"attempt":1}`),
		Timestamp:   time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		Sequence:    4,
	}
	require.NoError(t, NewEventPublisher(pubSub, "").PublishEvent(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "exec-1", msg.Metadata.Get(MetadataKey))
		assert.Equal(t, "node_completed", msg.Metadata.Get(MetadataEventType))

		var got store.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, event.ExecutionID, got.ExecutionID)
		assert.Equal(t, event.Sequence, got.Sequence)
		assert.JSONEq(t, `{"attempt":1}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
}

func TestNewKafka_RequiresBrokers(t *testing.T) {
	_, _, err := NewKafka(KafkaConfig{}, nil)
	assert.Error(t, err)
	_, _, err = NewKafka(KafkaConfig{Brokers: []string{""}}, nil)
	assert.Error(t, err)
}
