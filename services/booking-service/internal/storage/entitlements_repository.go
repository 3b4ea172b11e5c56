package storage

import (
	"context"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/jackc/pgx/v5"
)

// BusinessEntitlements is the locally cached plan snapshot for a business.
// The billing service is the source of truth; this cache keeps booking
// available when billing is down.
type BusinessEntitlements struct {
	BusinessID             string
	Tier                   string
	MaxMonthlyAppointments int
	UpdatedAt              time.Time
}

func (r *AppointmentRepository) UpsertBusinessEntitlements(ctx context.Context, tx pgx.Tx, ent BusinessEntitlements) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO business_entitlements (business_id, tier, max_monthly_appointments)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_id)
		DO UPDATE SET tier = EXCLUDED.tier,
		              max_monthly_appointments = EXCLUDED.max_monthly_appointments,
		              updated_at = now()
	`, ent.BusinessID, ent.Tier, ent.MaxMonthlyAppointments)
	return err
}

func (r *AppointmentRepository) GetBusinessEntitlements(ctx context.Context, tx pgx.Tx, businessID string) (BusinessEntitlements, bool, error) {
	var ent BusinessEntitlements
	err := tx.QueryRow(ctx, `
		SELECT business_id::text, tier, max_monthly_appointments, updated_at
		FROM business_entitlements
		WHERE business_id = $1
	`, businessID).Scan(&ent.BusinessID, &ent.Tier, &ent.MaxMonthlyAppointments, &ent.UpdatedAt)
	if err != nil {
		if db.IsNotFound(err) {
			return BusinessEntitlements{}, false, nil
		}
		return BusinessEntitlements{}, false, err
	}
	return ent, true, nil
}
