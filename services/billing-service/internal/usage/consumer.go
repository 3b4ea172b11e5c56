package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/services/billing-service/internal/billingcycle"
	"github.com/agendly/agendly/services/billing-service/internal/storage"
	"github.com/segmentio/kafka-go"
)

// Recorder folds usage events from the rest of the platform into the open
// billing cycle. Notification and API-call events are additive; business
// snapshot events carry current capacity and apply as monotonic peaks.
type Recorder struct {
	pool   *db.Pool
	repo   *storage.Repository
	logger *slog.Logger
}

func NewRecorder(pool *db.Pool, repo *storage.Repository, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, repo: repo, logger: logger}
}

type notificationSentPayload struct {
	BusinessID string `json:"business_id"`
	Count      int64  `json:"count"`
}

type apiUsagePayload struct {
	BusinessID string `json:"business_id"`
	Calls      int64  `json:"calls"`
}

type businessSnapshotPayload struct {
	BusinessID string  `json:"business_id"`
	Businesses int64   `json:"businesses"`
	Staff      int64   `json:"staff"`
	Services   int64   `json:"services"`
	StorageGB  float64 `json:"storage_gb"`
}

// HandleMessage routes one deduplicated Kafka message. Malformed payloads
// are logged and dropped; redelivering them would never succeed.
func (rec *Recorder) HandleMessage(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case "notification.sent.v1":
		var p notificationSentPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil || p.BusinessID == "" {
			rec.logger.Error("invalid notification usage payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if p.Count <= 0 {
			rec.logger.Error("dropping notification usage without a positive count", "topic", msg.Topic, "business_id", p.BusinessID)
			return nil
		}
		return rec.apply(ctx, p.BusinessID, func(c *billingcycle.BillingCycle) error {
			return c.RecordNotificationUsage(p.Count)
		})

	case "gateway.api.usage.v1":
		var p apiUsagePayload
		if err := json.Unmarshal(msg.Value, &p); err != nil || p.BusinessID == "" {
			rec.logger.Error("invalid api usage payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if p.Calls <= 0 {
			return nil
		}
		return rec.apply(ctx, p.BusinessID, func(c *billingcycle.BillingCycle) error {
			return c.RecordAPIUsage(p.Calls)
		})

	case "business.snapshot.v1":
		var p businessSnapshotPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil || p.BusinessID == "" {
			rec.logger.Error("invalid business snapshot payload", "err", err, "topic", msg.Topic)
			return nil
		}
		return rec.apply(ctx, p.BusinessID, func(c *billingcycle.BillingCycle) error {
			if err := c.RecordBusinessUsage(p.Businesses); err != nil {
				return err
			}
			if err := c.RecordStaffUsage(p.Staff); err != nil {
				return err
			}
			if err := c.RecordServiceUsage(p.Services); err != nil {
				return err
			}
			return c.RecordStorageUsage(p.StorageGB)
		})
	}

	rec.logger.Warn("unhandled usage topic", "topic", msg.Topic)
	return nil
}

func (rec *Recorder) apply(ctx context.Context, businessID string, record func(*billingcycle.BillingCycle) error) error {
	tx, err := rec.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cycle, err := rec.repo.GetOpenCycleForUpdate(ctx, tx, businessID, time.Now().UTC())
	if err != nil {
		if db.IsNotFound(err) {
			// No open cycle: business has no active subscription. The event is
			// not billable, drop it.
			rec.logger.Info("usage event without open cycle dropped", "business_id", businessID)
			return nil
		}
		return err
	}

	if err := record(cycle); err != nil {
		rec.logger.Error("usage rejected", "business_id", businessID, "cycle_id", cycle.ID, "err", err)
		return nil
	}
	if err := rec.repo.SaveCycle(ctx, tx, cycle); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
