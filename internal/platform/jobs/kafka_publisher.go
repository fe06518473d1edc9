package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher writes order events to a Kafka topic keyed by order id, so events of
// one order land on one partition in commit order.
type KafkaOrderEventPublisher struct {
	writer  messageWriter
	brokers []string
}

// NewKafkaOrderEventPublisher builds a synchronous writer that waits for all in-sync replicas.
func NewKafkaOrderEventPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaOrderEventPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if b := strings.TrimSpace(broker); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}

	publisher := newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		ErrorLogger:  observability.NewLeveledPrintfAdapter(logger, zapcore.ErrorLevel),
	})
	publisher.brokers = addrs
	return publisher, nil
}

func newKafkaPublisher(writer messageWriter) *KafkaOrderEventPublisher {
	return &KafkaOrderEventPublisher{writer: writer}
}

func (p *KafkaOrderEventPublisher) Name() string { return "kafka" }

func (p *KafkaOrderEventPublisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order publisher: not initialised")
	}

	attrs := eventAttributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for key, value := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := kafka.Message{
		Key:     []byte(event.Key),
		Value:   event.Payload,
		Headers: headers,
		Time:    event.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.ID, err)
	}
	return nil
}

// Ping dials the configured brokers and succeeds on the first one that accepts a connection.
func (p *KafkaOrderEventPublisher) Ping(ctx context.Context) error {
	if p == nil || len(p.brokers) == 0 {
		return errors.New("kafka order publisher: no brokers configured")
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka order publisher: dial brokers: %w", lastErr)
}

func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
