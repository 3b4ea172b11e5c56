package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/services/booking-service/internal/appointment"
	"github.com/jackc/pgx/v5"
)

type AppointmentRepository struct {
	pool *db.Pool
}

type IdempotencyRecord struct {
	BusinessID      string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *AppointmentRepository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, businessID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, businessID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (business_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (business_id, idempotency_key) DO NOTHING
	`, businessID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectIdempotencyForUpdate(ctx, tx, businessID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (r *AppointmentRepository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, businessID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE business_id = $1 AND idempotency_key = $2
	`, businessID, key, appointmentID, statusCode, response)
	return err
}

func (r *AppointmentRepository) Create(ctx context.Context, tx pgx.Tx, appt appointment.Appointment) error {
	var relationship, relationshipDesc *string
	if appt.Client.BookedBy != nil {
		rel := string(appt.Client.BookedBy.Relationship)
		relationship = &rel
		relationshipDesc = &appt.Client.BookedBy.RelationshipDescription
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments
			(id, business_id, calendar_id, service_id, staff_id,
			client_name, client_email, client_phone,
			booked_by_relationship, booked_by_description,
			start_time, end_time, status,
			base_price_cents, total_amount_cents, payment_status,
			title, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, appt.ID, appt.BusinessID, appt.CalendarID, appt.ServiceID, appt.StaffID,
		appt.Client.Name, appt.Client.Email, appt.Client.Phone,
		relationship, relationshipDesc,
		appt.Slot.Start, appt.Slot.End, string(appt.Status),
		appt.Pricing.BasePriceCents, appt.Pricing.TotalAmountCents, string(appt.Pricing.PaymentStatus),
		appt.Title, appt.Description, appt.CreatedAt, appt.UpdatedAt)
	return err
}

func (r *AppointmentRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, businessID, appointmentID string) (appointment.Appointment, error) {
	appt, err := r.scanOne(tx.QueryRow(ctx, selectColumns+`
		FROM appointments
		WHERE id = $1 AND business_id = $2
		FOR UPDATE
	`, appointmentID, businessID))
	if err != nil {
		return appointment.Appointment{}, err
	}

	notes, err := r.listNotes(ctx, tx, appt.ID)
	if err != nil {
		return appointment.Appointment{}, err
	}
	appt.Notes = notes
	return appt, nil
}

func (r *AppointmentRepository) Get(ctx context.Context, businessID, appointmentID string) (appointment.Appointment, error) {
	appt, err := r.scanOne(r.pool.QueryRow(ctx, selectColumns+`
		FROM appointments
		WHERE id = $1 AND business_id = $2
	`, appointmentID, businessID))
	if err != nil {
		return appointment.Appointment{}, err
	}

	notes, err := r.listNotes(ctx, r.pool, appt.ID)
	if err != nil {
		return appointment.Appointment{}, err
	}
	appt.Notes = notes
	return appt, nil
}

// Save persists the mutable slice of the aggregate after a transition. Notes
// are append-only, so only rows past the stored count are inserted.
func (r *AppointmentRepository) Save(ctx context.Context, tx pgx.Tx, appt appointment.Appointment) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3,
			payment_status = $4,
			total_amount_cents = $5,
			updated_at = $6
		WHERE id = $1 AND business_id = $2
	`, appt.ID, appt.BusinessID, string(appt.Status),
		string(appt.Pricing.PaymentStatus), appt.Pricing.TotalAmountCents, appt.UpdatedAt)
	if err != nil {
		return err
	}

	var stored int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment_notes WHERE appointment_id = $1
	`, appt.ID).Scan(&stored); err != nil {
		return err
	}
	for _, note := range appt.Notes[stored:] {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_notes (id, appointment_id, author_id, content, private, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, note.ID, appt.ID, note.AuthorID, note.Content, note.Private, note.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *AppointmentRepository) ListBookedIntervals(ctx context.Context, businessID, staffID string, start, end time.Time) ([]appointment.TimeSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM appointments
		WHERE business_id = $1
			AND staff_id = $2
			AND status IN ('REQUESTED', 'CONFIRMED')
			AND start_time < $4
			AND end_time > $3
		ORDER BY start_time ASC
	`, businessID, staffID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []appointment.TimeSlot
	for rows.Next() {
		var slot appointment.TimeSlot
		if err := rows.Scan(&slot.Start, &slot.End); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (r *AppointmentRepository) ListByBusiness(ctx context.Context, businessID string, status string, limit int) ([]appointment.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, selectColumns+`
		FROM appointments
		WHERE business_id = $1
			AND ($2 = '' OR status = $2)
		ORDER BY start_time DESC
		LIMIT $3
	`, businessID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []appointment.Appointment
	for rows.Next() {
		appt, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// CountActiveInRange backs the monthly appointment cap. Cancelled
// appointments do not count against the plan.
func (r *AppointmentRepository) CountActiveInRange(ctx context.Context, tx pgx.Tx, businessID string, start, end time.Time) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE business_id = $1
			AND status <> 'CANCELLED'
			AND start_time >= $2
			AND start_time < $3
	`, businessID, start, end).Scan(&count)
	return count, err
}

const selectColumns = `
	SELECT id, business_id, calendar_id, service_id, staff_id,
		client_name, client_email, client_phone,
		booked_by_relationship, COALESCE(booked_by_description, ''),
		start_time, end_time, status,
		base_price_cents, total_amount_cents, payment_status,
		COALESCE(title, ''), COALESCE(description, ''), created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *AppointmentRepository) scanOne(row rowScanner) (appointment.Appointment, error) {
	var appt appointment.Appointment
	var relationship *string
	var relationshipDesc string
	var status, paymentStatus string
	err := row.Scan(
		&appt.ID,
		&appt.BusinessID,
		&appt.CalendarID,
		&appt.ServiceID,
		&appt.StaffID,
		&appt.Client.Name,
		&appt.Client.Email,
		&appt.Client.Phone,
		&relationship,
		&relationshipDesc,
		&appt.Slot.Start,
		&appt.Slot.End,
		&status,
		&appt.Pricing.BasePriceCents,
		&appt.Pricing.TotalAmountCents,
		&paymentStatus,
		&appt.Title,
		&appt.Description,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return appointment.Appointment{}, err
	}
	appt.Status = appointment.Status(status)
	appt.Pricing.PaymentStatus = appointment.PaymentStatus(paymentStatus)
	if relationship != nil {
		appt.Client.BookedBy = &appointment.BookedBy{
			Relationship:            appointment.Relationship(*relationship),
			RelationshipDescription: relationshipDesc,
		}
	}
	return appt, nil
}

func (r *AppointmentRepository) listNotes(ctx context.Context, q querier, appointmentID string) ([]appointment.Note, error) {
	rows, err := q.Query(ctx, `
		SELECT id, author_id, content, private, created_at
		FROM appointment_notes
		WHERE appointment_id = $1
		ORDER BY created_at ASC, id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []appointment.Note
	for rows.Next() {
		var note appointment.Note
		if err := rows.Scan(&note.ID, &note.AuthorID, &note.Content, &note.Private, &note.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (r *AppointmentRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, businessID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT business_id::text,
			idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE business_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, businessID, key).Scan(
		&rec.BusinessID,
		&rec.IdempotencyKey,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
