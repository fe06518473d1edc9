package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher. When the topic
// has message ordering enabled, events of one order share an ordering key.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{topic: topic}, nil
}

func (p *PubSubOrderEventPublisher) Name() string { return "pubsub" }

// Publish blocks until the server acknowledges the message.
func (p *PubSubOrderEventPublisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	msg := &pubsub.Message{
		Data:       event.Payload,
		Attributes: eventAttributes(event),
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.Key
	}

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish order event %s: %w", event.ID, err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *PubSubOrderEventPublisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}
