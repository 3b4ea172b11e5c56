package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agendly/agendly/libs/db"
)

// Notification is one delivery attempt on one channel. Kind separates
// scheduled reminders from booking confirmations.
type Notification struct {
	ID            string
	AppointmentID string
	BusinessID    string
	Kind          string
	Channel       string
	Recipient     string
	Payload       map[string]any
	Status        string
	ProviderID    string
	FailureReason string
	CreatedAt     time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, business_id, kind, channel, recipient, payload, status, provider_id, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
	`, n.AppointmentID, n.BusinessID, n.Kind, n.Channel, n.Recipient, payload, n.Status, n.ProviderID, n.FailureReason)
	return err
}

func (r *Repository) ListRecent(ctx context.Context, businessID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, business_id, kind, channel, recipient, payload, status,
		       COALESCE(provider_id, ''), COALESCE(failure_reason, ''), created_at
		FROM notifications
		WHERE business_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.AppointmentID, &n.BusinessID, &n.Kind, &n.Channel, &n.Recipient,
			&payload, &n.Status, &n.ProviderID, &n.FailureReason, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
