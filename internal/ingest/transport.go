// Package ingest moves signal changes and execution events over a message
// bus: an in-process go channel for single-node setups, Kafka otherwise.
package ingest

import (
	"errors"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Default topics.
const (
	SignalsTopic = "pulse.signal-changes"
	EventsTopic  = "pulse.execution-events"
)

// Metadata keys set on every published message.
const (
	MetadataKey        = "key" // Kafka partition key
	MetadataEntityType = "entity_type"
	MetadataEventType  = "event_type"
)

// NewGoChannel returns an in-memory pub/sub usable as both publisher and
// subscriber.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	// FromOldest starts new consumer groups at the oldest offset.
	FromOldest bool
	OTEL       bool
}

// NewKafka creates a Kafka publisher and subscriber. Messages are partitioned
// by their MetadataKey, so changes of one entity stay ordered.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, nil, errors.New("kafka transport needs at least one broker")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "pulse"
	}
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)
	marshaler := kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(MetadataKey), nil
	})

	subConfig := kafka.DefaultSaramaSubscriberConfig()
	if cfg.FromOldest {
		subConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: subConfig,
			ConsumerGroup:         cfg.ConsumerGroup,
			OTELEnabled:           cfg.OTEL,
		},
		wlog,
	)
	if err != nil {
		return nil, nil, err
	}

	pubConfig := sarama.NewConfig()
	pubConfig.Producer.Return.Successes = true
	pubConfig.Producer.RequiredAcks = sarama.WaitForAll
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: pubConfig,
			OTELEnabled:           cfg.OTEL,
		},
		wlog,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}
