package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// EventPublisher receives every event after it is durably appended.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *Event) error
}

// EventLog appends execution events to a Store and fans them out to an
// optional publisher. Publishing is best effort: the store is the source of
// truth and publish failures are only logged.
type EventLog struct {
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithPublisher sets the downstream publisher.
func WithPublisher(p EventPublisher) EventLogOption {
	return func(el *EventLog) { el.publisher = p }
}

// WithEventLogger sets the logger used for publish failures.
func WithEventLogger(l *slog.Logger) EventLogOption {
	return func(el *EventLog) { el.logger = l }
}

// WithEventClock overrides the timestamp source.
func WithEventClock(now func() time.Time) EventLogOption {
	return func(el *EventLog) { el.now = now }
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store, opts ...EventLogOption) *EventLog {
	el := &EventLog{store: s, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Record appends an event of the given type. payload is JSON-encoded; nil
// means no payload.
func (el *EventLog) Record(ctx context.Context, executionID, nodeID, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	event := &Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   el.now().UTC(),
	}
	if err := el.Append(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Append stores the event, which assigns its sequence, then publishes it.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append %s event: %w", event.Type, err)
	}
	if el.publisher != nil {
		if err := el.publisher.PublishEvent(ctx, event); err != nil {
			el.logger.Warn("event publish failed",
				slog.String("execution_id", event.ExecutionID),
				slog.String("event_type", event.Type),
				slog.Int64("sequence", event.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// History returns every event of an execution ordered by sequence. Returns an
// error if sequence gaps are detected.
func (el *EventLog) History(ctx context.Context, executionID string) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for %s: %w", executionID, err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	return events, nil
}

// NodeVisits summarizes the history by node: how many times each node
// completed or failed. Nodes inside a cycle show counts above one.
func (el *EventLog) NodeVisits(ctx context.Context, executionID string) (map[string]int, error) {
	events, err := el.History(ctx, executionID)
	if err != nil {
		return nil, err
	}
	visits := make(map[string]int)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeCompleted, schema.EventNodeFailed:
			visits[e.NodeID]++
		}
	}
	return visits, nil
}
