package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agendly/agendly/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

type NotificationMetric struct {
	AppointmentID string
	BusinessID    string
	Channel       string
	Status        string
	At            time.Time
}

// RecordNotification writes the raw delivery row and bumps the per-day
// aggregate for the business, in one transaction.
func (r *Repository) RecordNotification(ctx context.Context, m NotificationMetric) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO notification_metrics (appointment_id, business_id, channel, sent_at, status)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5)
	`, m.AppointmentID, m.BusinessID, m.Channel, m.At.UTC(), m.Status); err != nil {
		return err
	}

	if m.BusinessID != "" {
		sentInc := 0
		failedInc := 0
		if m.Status == "sent" {
			sentInc = 1
		} else {
			failedInc = 1
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO daily_notification_metrics (business_id, day, channel, sent_count, failed_count)
			VALUES ($1, $2::date, $3, $4, $5)
			ON CONFLICT (business_id, day, channel)
			DO UPDATE SET sent_count = daily_notification_metrics.sent_count + EXCLUDED.sent_count,
			              failed_count = daily_notification_metrics.failed_count + EXCLUDED.failed_count,
			              updated_at = now()
		`, m.BusinessID, m.At.UTC(), m.Channel, sentInc, failedInc); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

type DLQEvent struct {
	AppointmentID string
	BusinessID    string
	Channel       string
	Recipient     string
	RemindAt      time.Time
	ErrorReason   string
	FailedAt      time.Time
}

func (r *Repository) RecordSchedulerDLQ(ctx context.Context, e DLQEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scheduler_dlq_events (appointment_id, business_id, channel, recipient, remind_at, error_reason, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.AppointmentID, e.BusinessID, e.Channel, e.Recipient, e.RemindAt.UTC(), e.ErrorReason, e.FailedAt.UTC())
	return err
}

func (r *Repository) RecordSecurityAudit(ctx context.Context, eventType, actorID string, metadata json.RawMessage, createdAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO security_audit_events (event_type, actor_id, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, eventType, actorID, metadata, createdAt.UTC())
	return err
}

type BookingEvent struct {
	EventID       string
	EventType     string
	BusinessID    string
	AppointmentID string
	OccurredAt    time.Time
	BookedInc     int
	CanceledInc   int
}

// ApplyBookingEvent records the event and bumps the daily counters. The
// event_id conflict guard keeps redelivered events from double counting.
func (r *Repository) ApplyBookingEvent(ctx context.Context, e BookingEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO booking_events (event_id, event_type, business_id, appointment_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.EventType, e.BusinessID, e.AppointmentID, e.OccurredAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_appointment_metrics (business_id, day, booked_count, canceled_count)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (business_id, day)
		DO UPDATE SET booked_count = daily_appointment_metrics.booked_count + EXCLUDED.booked_count,
		              canceled_count = daily_appointment_metrics.canceled_count + EXCLUDED.canceled_count,
		              updated_at = now()
	`, e.BusinessID, e.OccurredAt.UTC(), e.BookedInc, e.CanceledInc); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repository) BumpDailyRevenue(ctx context.Context, businessID string, day time.Time, cents int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_revenue_metrics (business_id, day, revenue_cents, cycle_count)
		VALUES ($1, $2::date, $3, 1)
		ON CONFLICT (business_id, day)
		DO UPDATE SET revenue_cents = daily_revenue_metrics.revenue_cents + EXCLUDED.revenue_cents,
		              cycle_count = daily_revenue_metrics.cycle_count + 1,
		              updated_at = now()
	`, businessID, day.UTC(), cents)
	return err
}
