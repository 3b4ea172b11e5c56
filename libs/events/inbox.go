package events

import (
	"context"
	"errors"

	"github.com/agendly/agendly/libs/db"
	"github.com/jackc/pgx/v5/pgconn"
)

// InboxRepository deduplicates consumed events. Each service owns its own
// inbox_events table, so redelivery is idempotent per consumer.
type InboxRepository struct {
	pool *db.Pool
}

func NewInboxRepository(pool *db.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

// Record returns false when the event was already seen.
func (r *InboxRepository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}
