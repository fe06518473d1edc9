package jobs

import (
	"context"
	"strings"

	domain "github.com/hanko-field/commerce/internal/domain"
)

const eventIDAttribute = "eventId"

// EventPublisher hands a single outbox event to a message broker.
type EventPublisher interface {
	Name() string
	Publish(ctx context.Context, event domain.OutboxEvent) error
}

// eventAttributes merges the stored attributes with the event id and type used by consumers to
// deduplicate and route.
func eventAttributes(event domain.OutboxEvent) map[string]string {
	attrs := make(map[string]string, len(event.Attributes)+2)
	for key, value := range event.Attributes {
		setAttr(attrs, key, value)
	}
	setAttr(attrs, eventIDAttribute, event.ID)
	setAttr(attrs, "type", event.Topic)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
