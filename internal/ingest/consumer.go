package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/pkg/schema"
)

// Handler processes one signal change. *triggers.Service satisfies it.
type Handler interface {
	HandleChange(ctx context.Context, change *signals.Change) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, change *signals.Change) error

func (f HandlerFunc) HandleChange(ctx context.Context, change *signals.Change) error {
	return f(ctx, change)
}

// DefaultMaxRedeliveries bounds how often a message failing with a transient
// error is handed back to the transport.
const DefaultMaxRedeliveries = 3

// ConsumerStats counts processed messages.
type ConsumerStats struct {
	Received    int64 `json:"received"`
	Handled     int64 `json:"handled"`
	Rejected    int64 `json:"rejected"`
	Failed      int64 `json:"failed"`
	Redelivered int64 `json:"redelivered"`
}

// Consumer reads signal changes from a topic and hands them to a Handler.
// Malformed messages are acknowledged and dropped. Handler errors are retried
// by nacking only when they are transient (store or lease contention).
type Consumer struct {
	sub     message.Subscriber
	topic   string
	handler Handler
	logger  *slog.Logger

	MaxRedeliveries int

	stats    ConsumerStats
	mu       sync.Mutex
	attempts map[string]int
	done     chan struct{}
}

// NewConsumer creates a consumer of topic (SignalsTopic when empty).
func NewConsumer(sub message.Subscriber, topic string, handler Handler, logger *slog.Logger) *Consumer {
	if topic == "" {
		topic = SignalsTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		sub:             sub,
		topic:           topic,
		handler:         handler,
		logger:          logger.With(slog.String("topic", topic)),
		MaxRedeliveries: DefaultMaxRedeliveries,
		attempts:        make(map[string]int),
	}
}

// Start subscribes and processes messages in the background until ctx is
// cancelled or the subscriber is closed.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer already started")
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	messages, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		close(c.done)
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}

	go func() {
		defer close(c.done)
		for msg := range messages {
			c.process(ctx, msg)
		}
	}()
	c.logger.Info("signal consumer started")
	return nil
}

// Wait blocks until the message stream ends.
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Consumer) process(ctx context.Context, msg *message.Message) {
	atomic.AddInt64(&c.stats.Received, 1)
	log := c.logger.With(slog.String("message_uuid", msg.UUID))

	var change signals.Change
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		atomic.AddInt64(&c.stats.Rejected, 1)
		log.Warn("dropping undecodable signal change", slog.String("error", err.Error()))
		msg.Ack()
		return
	}
	if err := change.Validate(); err != nil {
		atomic.AddInt64(&c.stats.Rejected, 1)
		log.Warn("dropping invalid signal change", slog.String("error", schema.MessageOf(err)))
		msg.Ack()
		return
	}

	err := c.handler.HandleChange(ctx, &change)
	if err == nil {
		c.forget(msg.UUID)
		atomic.AddInt64(&c.stats.Handled, 1)
		msg.Ack()
		return
	}

	log = log.With(
		slog.String("entity_type", change.EntityType),
		slog.String("entity_id", change.EntityID),
		slog.String("error", err.Error()))
	if transient(err) && ctx.Err() == nil && c.retry(msg.UUID) {
		atomic.AddInt64(&c.stats.Redelivered, 1)
		log.Warn("signal change failed, redelivering")
		msg.Nack()
		return
	}
	c.forget(msg.UUID)
	atomic.AddInt64(&c.stats.Failed, 1)
	log.Error("signal change failed")
	msg.Ack()
}

func (c *Consumer) retry(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempts[id] >= c.MaxRedeliveries {
		return false
	}
	c.attempts[id]++
	return true
}

func (c *Consumer) forget(id string) {
	c.mu.Lock()
	delete(c.attempts, id)
	c.mu.Unlock()
}

// Stats returns a snapshot of the message counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:    atomic.LoadInt64(&c.stats.Received),
		Handled:     atomic.LoadInt64(&c.stats.Handled),
		Rejected:    atomic.LoadInt64(&c.stats.Rejected),
		Failed:      atomic.LoadInt64(&c.stats.Failed),
		Redelivered: atomic.LoadInt64(&c.stats.Redelivered),
	}
}

func transient(err error) bool {
	return schema.IsCode(err, schema.ErrCodeStore) ||
		schema.IsCode(err, schema.ErrCodeLeaseHeld) ||
		schema.IsCode(err, schema.ErrCodeConflict)
}
