package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
)

// OutboxRepository stores order events in order_outbox until the relay publishes them.
type OutboxRepository struct {
	provider *pgplatform.Provider
}

func (r *OutboxRepository) Insert(ctx context.Context, event domain.OutboxEvent) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	attributes := event.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	_, err = q.Exec(ctx,
		`INSERT INTO order_outbox (id, topic, key, aggregate_id, payload, attributes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Topic, event.Key, event.AggregateID, event.Payload, attributes, event.CreatedAt,
	)
	return pgplatform.WrapError("outbox.insert", err)
}

// FetchPending returns unsent events oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx,
		`SELECT id, topic, key, aggregate_id, payload, attributes, created_at, attempts, last_error
		   FROM order_outbox WHERE sent_at IS NULL ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, pgplatform.WrapError("outbox.fetch", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxEvent, error) {
		var event domain.OutboxEvent
		err := row.Scan(&event.ID, &event.Topic, &event.Key, &event.AggregateID, &event.Payload,
			&event.Attributes, &event.CreatedAt, &event.Attempts, &event.LastError)
		event.CreatedAt = event.CreatedAt.UTC()
		return event, err
	})
	if err != nil {
		return nil, pgplatform.WrapError("outbox.fetch", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	return r.exec(ctx, "outbox.mark_sent", eventID,
		`UPDATE order_outbox SET sent_at = $2 WHERE id = $1`, eventID, sentAt)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID string, reason string) error {
	return r.exec(ctx, "outbox.mark_failed", eventID,
		`UPDATE order_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, eventID, reason)
}

func (r *OutboxRepository) exec(ctx context.Context, op, eventID, sql string, args ...any) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return pgplatform.WrapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return pgplatform.NotFound(op, "outbox event "+eventID)
	}
	return nil
}
