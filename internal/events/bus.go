// Package events publishes execution lifecycle events to a watermill
// publisher, either the in-process gochannel pubsub or Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// DefaultTopic receives every lifecycle event.
const DefaultTopic = "hydra.executions"

// Metadata keys set on every published message.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
)

// Handler processes one decoded event. Returning an error nacks the message.
type Handler func(ctx context.Context, ev model.Event) error

// Bus encodes events as JSON messages on a single topic.
type Bus struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

// NewBus wraps pub. An empty topic selects DefaultTopic.
func NewBus(pub message.Publisher, topic string, logger *slog.Logger) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{
		publisher: pub,
		topic:     topic,
		logger:    logger.With("component", "events"),
	}
}

// Topic returns the topic events are published to.
func (b *Bus) Topic() string {
	return b.topic
}

// Publish sends ev. The execution id doubles as the Kafka partition key so
// one execution's events stay ordered.
func (b *Bus) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	id := ev.ID
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetadataEventType, ev.Type)
	msg.Metadata.Set(MetadataExecutionID, ev.ExecutionID)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	b.logger.DebugContext(ctx, "event published", "type", ev.Type, "execution_id", ev.ExecutionID)
	return nil
}

// Close closes the underlying publisher.
func (b *Bus) Close() error {
	return b.publisher.Close()
}

// Decode parses a message produced by Publish.
func Decode(msg *message.Message) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	if ev.Type == "" {
		ev.Type = msg.Metadata.Get(MetadataEventType)
	}
	return ev, nil
}

// Consume subscribes to topic and feeds each event to h until ctx is done or
// the subscriber closes. Malformed messages are acked and dropped.
func Consume(ctx context.Context, sub message.Subscriber, topic string, h Handler, logger *slog.Logger) error {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			ev, err := Decode(msg)
			if err != nil {
				logger.Warn("dropping malformed event", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			if err := h(msg.Context(), ev); err != nil {
				logger.Warn("event handler failed", "type", ev.Type, "execution_id", ev.ExecutionID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// NewGoChannel returns an in-process pubsub that never blocks publishers.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// NewKafkaPublisher returns a synchronous Kafka publisher that partitions by
// execution id.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*kafka.Publisher, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("no kafka brokers configured")
	}

	saramaConfig := kafka.DefaultSaramaSyncPublisherConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.ClientID = "hydra"

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers: brokers,
			Marshaler: kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
				return msg.Metadata.Get(MetadataExecutionID), nil
			}),
			OverwriteSaramaConfig: saramaConfig,
			OTELEnabled:           true,
		},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	return publisher, nil
}
