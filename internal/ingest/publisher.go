package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
)

// SignalPublisher publishes signal changes for a Consumer to pick up.
type SignalPublisher struct {
	pub   message.Publisher
	topic string
}

// NewSignalPublisher publishes to topic (SignalsTopic when empty).
func NewSignalPublisher(pub message.Publisher, topic string) *SignalPublisher {
	if topic == "" {
		topic = SignalsTopic
	}
	return &SignalPublisher{pub: pub, topic: topic}
}

// Publish validates and sends one change, keyed by entity.
func (p *SignalPublisher) Publish(ctx context.Context, change *signals.Change) error {
	if err := change.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal signal change: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataKey, change.EntityType+":"+change.EntityID)
	msg.Metadata.Set(MetadataEntityType, change.EntityType)
	return p.pub.Publish(p.topic, msg)
}

// EventPublisher forwards execution events to a topic. It implements
// store.EventPublisher.
type EventPublisher struct {
	pub   message.Publisher
	topic string
}

var _ store.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher publishes to topic (EventsTopic when empty).
func NewEventPublisher(pub message.Publisher, topic string) *EventPublisher {
	if topic == "" {
		topic = EventsTopic
	}
	return &EventPublisher{pub: pub, topic: topic}
}

// PublishEvent sends the event keyed by its execution, so one execution's
// events keep their order on a partitioned transport.
func (p *EventPublisher) PublishEvent(ctx context.Context, event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataKey, event.ExecutionID)
	msg.Metadata.Set(MetadataEventType, event.Type)
	return p.pub.Publish(p.topic, msg)
}
