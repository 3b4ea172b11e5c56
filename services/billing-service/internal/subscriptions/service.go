package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/billing-service/internal/billingcycle"
	"github.com/agendly/agendly/services/billing-service/internal/entitlements"
	"github.com/agendly/agendly/services/billing-service/internal/plan"
	"github.com/agendly/agendly/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Service encapsulates subscription state transitions and their side effects
// (outbox events, opening billing cycles). Keeping this out of HTTP handlers
// makes it reusable for webhook + reconciliation flows.
type Service struct {
	repo       *storage.Repository
	outboxRepo *events.OutboxRepository
}

func New(repo *storage.Repository, outboxRepo *events.OutboxRepository) *Service {
	return &Service{repo: repo, outboxRepo: outboxRepo}
}

func (s *Service) ApplyActivated(ctx context.Context, tx pgx.Tx, businessID, tier, frequency string, activatedAt time.Time, provider string, stripeCustomerID string, stripeSubscriptionID string, periodStart, periodEnd *time.Time) error {
	existing, ok, err := s.repo.GetSubscriptionForUpdate(ctx, tx, businessID)
	if err != nil {
		return err
	}

	if err := s.repo.UpsertSubscription(ctx, tx, storage.Subscription{
		BusinessID:           businessID,
		Tier:                 tier,
		Frequency:            frequency,
		Status:               "active",
		Provider:             provider,
		StripeCustomerID:     stripeCustomerID,
		StripeSubscriptionID: stripeSubscriptionID,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
	}); err != nil {
		return err
	}

	if err := s.ensureOpenCycle(ctx, tx, businessID, tier, frequency, activatedAt, periodStart, periodEnd); err != nil {
		return err
	}

	// Only emit when the effective entitlement changes (tier/status). Provider ID updates alone shouldn't fan out.
	if ok && existing.Status == "active" && existing.Tier == tier {
		return nil
	}

	limits := entitlements.LimitsForTier(tier)
	payload, err := json.Marshal(map[string]any{
		"business_id":              businessID,
		"tier":                     limits.Tier,
		"max_monthly_appointments": limits.MaxMonthlyAppointments,
		"activated_at":             activatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   businessID,
		EventType:     "billing.subscription.activated.v1",
		Payload:       payload,
	})
}

func (s *Service) ApplyCanceled(ctx context.Context, tx pgx.Tx, businessID string, canceledAt time.Time, provider string, stripeCustomerID string, stripeSubscriptionID string, periodStart, periodEnd *time.Time) error {
	existing, ok, err := s.repo.GetSubscriptionForUpdate(ctx, tx, businessID)
	if err != nil {
		return err
	}

	if err := s.repo.UpsertSubscription(ctx, tx, storage.Subscription{
		BusinessID:           businessID,
		Tier:                 "free",
		Frequency:            existing.Frequency,
		Status:               "canceled",
		Provider:             provider,
		StripeCustomerID:     stripeCustomerID,
		StripeSubscriptionID: stripeSubscriptionID,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
	}); err != nil {
		return err
	}

	// Only emit when the effective entitlement changes (tier/status).
	if ok && existing.Status == "canceled" && existing.Tier == "free" {
		return nil
	}

	limits := entitlements.LimitsForTier("free")
	payload, err := json.Marshal(map[string]any{
		"business_id":              businessID,
		"tier":                     limits.Tier,
		"max_monthly_appointments": limits.MaxMonthlyAppointments,
		"canceled_at":              canceledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   businessID,
		EventType:     "billing.subscription.canceled.v1",
		Payload:       payload,
	})
}

// ensureOpenCycle opens the accumulator for the current period if none
// covers activation time. Existing open cycles are left alone so usage
// recorded before a plan change is not lost.
func (s *Service) ensureOpenCycle(ctx context.Context, tx pgx.Tx, businessID, tier, frequency string, activatedAt time.Time, periodStart, periodEnd *time.Time) error {
	_, err := s.repo.GetOpenCycleForUpdate(ctx, tx, businessID, activatedAt)
	if err == nil {
		return nil
	}
	if !db.IsNotFound(err) {
		return err
	}

	start := activatedAt.UTC()
	if periodStart != nil {
		start = periodStart.UTC()
	}
	var end time.Time
	if periodEnd != nil {
		end = periodEnd.UTC()
	} else if plan.BillingFrequency(frequency) == plan.Yearly {
		end = start.AddDate(1, 0, 0)
	} else {
		end = start.AddDate(0, 1, 0)
	}

	sub, err := s.repo.GetSubscription(ctx, businessID)
	if err != nil {
		return err
	}
	cycle, err := billingcycle.FromSubscription(plan.Subscription{
		ID:         sub.ID,
		BusinessID: businessID,
		Tier:       tier,
		Frequency:  plan.BillingFrequency(frequency),
		Status:     sub.Status,
	}, start, end)
	if err != nil {
		return err
	}
	return s.repo.InsertCycle(ctx, tx, cycle)
}
