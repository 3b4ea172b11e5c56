package storage

import (
	"context"
	"time"

	"github.com/agendly/agendly/services/billing-service/internal/billingcycle"
	"github.com/jackc/pgx/v5"
)

const cycleColumns = `
	SELECT id::text, subscription_id::text, business_id::text,
	       period_start, period_end, status,
	       notifications_used, api_calls_used, businesses_used, staff_used, services_used, storage_gb_used,
	       base_cost_cents, notification_overage_cents, setup_fees_cents, discounts_cents, taxes_cents, total_cost_cents,
	       processed_at, COALESCE(failure_reason, ''), created_at, updated_at
`

func (r *Repository) InsertCycle(ctx context.Context, tx pgx.Tx, c *billingcycle.BillingCycle) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO billing_cycles
			(id, subscription_id, business_id, period_start, period_end, status,
			notifications_used, api_calls_used, businesses_used, staff_used, services_used, storage_gb_used,
			base_cost_cents, notification_overage_cents, setup_fees_cents, discounts_cents, taxes_cents, total_cost_cents,
			processed_at, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, c.ID, c.SubscriptionID, c.BusinessID, c.Period.Start, c.Period.End, string(c.Status),
		c.Usage.Notifications, c.Usage.APICalls, c.Usage.Businesses, c.Usage.Staff, c.Usage.Services, c.Usage.StorageGB,
		c.Charges.BaseCostCents, c.Charges.NotificationOverageCents, c.Charges.SetupFeesCents, c.Charges.DiscountsCents, c.Charges.TaxesCents, c.Charges.TotalCostCents,
		c.ProcessedAt, nullIfEmpty(c.FailureReason), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *Repository) SaveCycle(ctx context.Context, tx pgx.Tx, c *billingcycle.BillingCycle) error {
	_, err := tx.Exec(ctx, `
		UPDATE billing_cycles
		SET status = $2,
			notifications_used = $3,
			api_calls_used = $4,
			businesses_used = $5,
			staff_used = $6,
			services_used = $7,
			storage_gb_used = $8,
			base_cost_cents = $9,
			notification_overage_cents = $10,
			setup_fees_cents = $11,
			discounts_cents = $12,
			taxes_cents = $13,
			total_cost_cents = $14,
			processed_at = $15,
			failure_reason = $16,
			updated_at = $17
		WHERE id = $1
	`, c.ID, string(c.Status),
		c.Usage.Notifications, c.Usage.APICalls, c.Usage.Businesses, c.Usage.Staff, c.Usage.Services, c.Usage.StorageGB,
		c.Charges.BaseCostCents, c.Charges.NotificationOverageCents, c.Charges.SetupFeesCents, c.Charges.DiscountsCents, c.Charges.TaxesCents, c.Charges.TotalCostCents,
		c.ProcessedAt, nullIfEmpty(c.FailureReason), c.UpdatedAt)
	return err
}

func (r *Repository) GetCycleForUpdate(ctx context.Context, tx pgx.Tx, businessID, cycleID string) (*billingcycle.BillingCycle, error) {
	return scanCycle(tx.QueryRow(ctx, cycleColumns+`
		FROM billing_cycles
		WHERE id = $1 AND business_id = $2
		FOR UPDATE
	`, cycleID, businessID))
}

func (r *Repository) GetCycle(ctx context.Context, businessID, cycleID string) (*billingcycle.BillingCycle, error) {
	return scanCycle(r.pool.QueryRow(ctx, cycleColumns+`
		FROM billing_cycles
		WHERE id = $1 AND business_id = $2
	`, cycleID, businessID))
}

// GetOpenCycleForUpdate locks the business's cycle covering now. Usage
// recording targets this cycle; events arriving between cycles fall through
// to NotFound and the consumer opens a new one.
func (r *Repository) GetOpenCycleForUpdate(ctx context.Context, tx pgx.Tx, businessID string, now time.Time) (*billingcycle.BillingCycle, error) {
	return scanCycle(tx.QueryRow(ctx, cycleColumns+`
		FROM billing_cycles
		WHERE business_id = $1
			AND status = 'PENDING'
			AND period_start <= $2
			AND period_end >= $2
		ORDER BY period_start DESC
		LIMIT 1
		FOR UPDATE
	`, businessID, now))
}

func (r *Repository) ListCyclesByBusiness(ctx context.Context, businessID string, limit int) ([]*billingcycle.BillingCycle, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := r.pool.Query(ctx, cycleColumns+`
		FROM billing_cycles
		WHERE business_id = $1
		ORDER BY period_start DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*billingcycle.BillingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDueCycleIDs returns cycles ready for the processor: PENDING with a
// closed period. SKIP LOCKED lets concurrent processor replicas shard the
// backlog without blocking each other.
func (r *Repository) ListDueCycleIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `
		SELECT id::text
		FROM billing_cycles
		WHERE status = 'PENDING' AND period_end <= $1
		ORDER BY period_end ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFailedCycleIDsForRetry returns FAILED cycles whose last state change
// is older than the backoff and that still have retry budget. Attempts are
// tracked on the row, not the aggregate; scheduling is a storage concern.
func (r *Repository) ListFailedCycleIDsForRetry(ctx context.Context, tx pgx.Tx, updatedBefore time.Time, maxAttempts, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `
		SELECT id::text
		FROM billing_cycles
		WHERE status = 'FAILED' AND retry_attempts < $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) BumpCycleRetryAttempts(ctx context.Context, tx pgx.Tx, cycleID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE billing_cycles SET retry_attempts = retry_attempts + 1 WHERE id = $1
	`, cycleID)
	return err
}

func (r *Repository) GetCycleByIDForUpdate(ctx context.Context, tx pgx.Tx, cycleID string) (*billingcycle.BillingCycle, error) {
	return scanCycle(tx.QueryRow(ctx, cycleColumns+`
		FROM billing_cycles
		WHERE id = $1
		FOR UPDATE
	`, cycleID))
}

func scanCycle(row rowScanner) (*billingcycle.BillingCycle, error) {
	var c billingcycle.BillingCycle
	var status string
	var processedAt *time.Time
	err := row.Scan(
		&c.ID,
		&c.SubscriptionID,
		&c.BusinessID,
		&c.Period.Start,
		&c.Period.End,
		&status,
		&c.Usage.Notifications,
		&c.Usage.APICalls,
		&c.Usage.Businesses,
		&c.Usage.Staff,
		&c.Usage.Services,
		&c.Usage.StorageGB,
		&c.Charges.BaseCostCents,
		&c.Charges.NotificationOverageCents,
		&c.Charges.SetupFeesCents,
		&c.Charges.DiscountsCents,
		&c.Charges.TaxesCents,
		&c.Charges.TotalCostCents,
		&processedAt,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = billingcycle.Status(status)
	c.ProcessedAt = processedAt
	return &c, nil
}
