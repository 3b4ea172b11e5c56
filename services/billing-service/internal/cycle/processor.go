package cycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/billing-service/internal/billingcycle"
	"github.com/agendly/agendly/services/billing-service/internal/payment"
	"github.com/agendly/agendly/services/billing-service/internal/plan"
	"github.com/agendly/agendly/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Processor settles billing cycles whose period has closed: price the
// accumulated usage, collect payment, and either complete the cycle or fail
// it with a reason an operator can act on. Failed cycles are retried with
// backoff up to an attempt cap, then stay put for manual retry; the
// processor never discards usage.
type Processor struct {
	pool         *db.Pool
	repo         *storage.Repository
	outbox       *events.OutboxRepository
	charger      payment.Charger
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	retryBackoff time.Duration
	maxRetries   int
}

type ProcessorConfig struct {
	Interval     time.Duration
	BatchSize    int
	RetryBackoff time.Duration
	MaxRetries   int
}

func NewProcessor(pool *db.Pool, repo *storage.Repository, outboxRepo *events.OutboxRepository, charger payment.Charger, logger *slog.Logger, cfg ProcessorConfig) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Processor{
		pool:         pool,
		repo:         repo,
		outbox:       outboxRepo,
		charger:      charger,
		logger:       logger,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		retryBackoff: cfg.RetryBackoff,
		maxRetries:   cfg.MaxRetries,
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.retryFailed(ctx); err != nil {
				p.logger.Error("billing cycle retry pass failed", "err", err)
			}
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error("billing cycle batch failed", "err", err)
			}
		}
	}
}

// retryFailed moves FAILED cycles with remaining retry budget back to
// PENDING once the backoff has elapsed; the due scan then settles them
// through the same path as first attempts.
func (p *Processor) retryFailed(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().UTC().Add(-p.retryBackoff)
	ids, err := p.repo.ListFailedCycleIDsForRetry(ctx, tx, cutoff, p.maxRetries, p.batchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return tx.Commit(ctx)
	}

	for _, id := range ids {
		c, err := p.repo.GetCycleByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := c.Retry(); err != nil {
			p.logger.Warn("billing cycle retry skipped", "cycle_id", id, "err", err)
			continue
		}
		if err := p.repo.SaveCycle(ctx, tx, c); err != nil {
			return err
		}
		if err := p.repo.BumpCycleRetryAttempts(ctx, tx, id); err != nil {
			return err
		}
		p.logger.Info("billing cycle queued for retry", "cycle_id", id, "business_id", c.BusinessID)
	}
	return tx.Commit(ctx)
}

func (p *Processor) processBatch(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids, err := p.repo.ListDueCycleIDs(ctx, tx, time.Now().UTC(), p.batchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return tx.Commit(ctx)
	}

	for _, id := range ids {
		if err := p.settleCycle(ctx, tx, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Processor) settleCycle(ctx context.Context, tx pgx.Tx, cycleID string) error {
	c, err := p.repo.GetCycleByIDForUpdate(ctx, tx, cycleID)
	if err != nil {
		return err
	}

	sub, err := p.repo.GetSubscription(ctx, c.BusinessID)
	if err != nil && !db.IsNotFound(err) {
		return err
	}
	pricingSub := plan.Subscription{
		ID:         sub.ID,
		BusinessID: c.BusinessID,
		Tier:       sub.Tier,
		Frequency:  plan.BillingFrequency(sub.Frequency),
		Status:     sub.Status,
	}

	if err := c.MarkAsProcessing(); err != nil {
		// Another replica got here first; nothing to do.
		p.logger.Warn("billing cycle skipped", "cycle_id", c.ID, "err", err)
		return nil
	}
	c.CalculateCharges(pricingSub)

	chargeErr := p.charger.Charge(ctx, payment.Charge{
		BusinessID:  c.BusinessID,
		CycleID:     c.ID,
		AmountCents: c.Charges.TotalCostCents,
		Provider:    sub.Provider,
	})

	eventType := "billing.cycle.completed.v1"
	if chargeErr != nil {
		if err := c.MarkAsFailed(failureReason(chargeErr)); err != nil {
			return err
		}
		eventType = "billing.cycle.failed.v1"
		p.logger.Error("billing cycle payment failed", "cycle_id", c.ID, "business_id", c.BusinessID, "err", chargeErr)
	} else {
		if err := c.MarkAsCompleted(); err != nil {
			return err
		}
	}

	if err := p.repo.SaveCycle(ctx, tx, c); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"cycle_id":         c.ID,
		"business_id":      c.BusinessID,
		"status":           string(c.Status),
		"period_start":     c.Period.Start.UTC().Format(time.RFC3339),
		"period_end":       c.Period.End.UTC().Format(time.RFC3339),
		"total_cost_cents": c.Charges.TotalCostCents,
		"failure_reason":   c.FailureReason,
	})
	if err != nil {
		return err
	}
	if err := p.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "billing_cycle",
		AggregateID:   c.ID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		return err
	}

	if chargeErr == nil && sub.Status == "active" {
		return p.openNextCycle(ctx, tx, c, pricingSub)
	}
	return nil
}

// failureReason never returns an empty string; MarkAsFailed rejects empty
// reasons, and a charger error with a blank message must not abort the
// settle batch.
func failureReason(err error) string {
	if reason := strings.TrimSpace(err.Error()); reason != "" {
		return reason
	}
	return "payment failed"
}

// openNextCycle rolls the accumulator forward. Event counters reset to zero;
// capacity gauges re-seed on the next snapshot event.
func (p *Processor) openNextCycle(ctx context.Context, tx pgx.Tx, settled *billingcycle.BillingCycle, sub plan.Subscription) error {
	start := settled.Period.End
	var end time.Time
	if sub.Frequency == plan.Yearly {
		end = start.AddDate(1, 0, 0)
	} else {
		end = start.AddDate(0, 1, 0)
	}
	next, err := billingcycle.New(settled.SubscriptionID, settled.BusinessID, start, end)
	if err != nil {
		return err
	}
	return p.repo.InsertCycle(ctx, tx, next)
}
