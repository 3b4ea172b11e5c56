package billingcycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agendly/agendly/services/billing-service/internal/plan"
	"github.com/google/uuid"
)

// Status is the billing cycle processing state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

var (
	ErrInvalidPeriod = errors.New("billing period start must precede end")
	ErrNegativeUsage = errors.New("usage value must not be negative")
	ErrEmptyReason   = errors.New("failure reason is required")
	ErrNotProcessing = errors.New("can only complete processing billing cycles")
	ErrNotFailed     = errors.New("can only retry failed billing cycles")
	ErrNotCompleted  = errors.New("can only refund completed billing cycles")
)

// Period is the accounting window. Start strictly precedes End.
type Period struct {
	Start time.Time
	End   time.Time
}

func NewPeriod(start, end time.Time) (Period, error) {
	if !start.Before(end) {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Start: start.UTC(), End: end.UTC()}, nil
}

// Usage is the per-cycle ledger. Two accumulation policies coexist on
// sibling fields and must never be swapped: Notifications and APICalls are
// event counts (strictly additive); Businesses, Staff, Services, and
// StorageGB are peak concurrent capacity (monotonic max).
type Usage struct {
	Notifications int64
	APICalls      int64
	Businesses    int64
	Staff         int64
	Services      int64
	StorageGB     float64
}

// Charges is the money side of the ledger, in cents. Discounts subtract
// from the total; everything else adds.
type Charges struct {
	BaseCostCents            int64
	NotificationOverageCents int64
	SetupFeesCents           int64
	DiscountsCents           int64
	TaxesCents               int64
	TotalCostCents           int64
}

// BillingCycle accumulates usage and charges for one subscription over one
// period. It is a synchronous in-memory value: no I/O, no locking. Callers
// racing on the same cycle serialize through the storage layer.
type BillingCycle struct {
	ID             string
	SubscriptionID string
	BusinessID     string
	Period         Period
	Status         Status
	Usage          Usage
	Charges        Charges
	ProcessedAt    *time.Time
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New opens a cycle in PENDING with zeroed usage and charges.
func New(subscriptionID, businessID string, start, end time.Time) (*BillingCycle, error) {
	period, err := NewPeriod(start, end)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &BillingCycle{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		BusinessID:     businessID,
		Period:         period,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// FromSubscription opens a cycle seeded with the counters the subscription
// accumulated up to the cycle boundary.
func FromSubscription(sub plan.Subscription, start, end time.Time) (*BillingCycle, error) {
	c, err := New(sub.ID, sub.BusinessID, start, end)
	if err != nil {
		return nil, err
	}
	c.Usage = Usage{
		Notifications: sub.Notifications,
		APICalls:      sub.APICalls,
		Businesses:    sub.Businesses,
		Staff:         sub.Staff,
		Services:      sub.Services,
		StorageGB:     sub.StorageGB,
	}
	return c, nil
}

// MarkAsProcessing moves PENDING -> PROCESSING.
func (c *BillingCycle) MarkAsProcessing() error {
	if c.Status != StatusPending {
		return fmt.Errorf("cannot process billing cycle with status %s", c.Status)
	}
	c.Status = StatusProcessing
	c.touch()
	return nil
}

// MarkAsCompleted moves PROCESSING -> COMPLETED, stamps ProcessedAt, and
// clears any failure left over from an earlier attempt.
func (c *BillingCycle) MarkAsCompleted() error {
	if c.Status != StatusProcessing {
		return ErrNotProcessing
	}
	now := time.Now().UTC()
	c.Status = StatusCompleted
	c.ProcessedAt = &now
	c.FailureReason = ""
	c.UpdatedAt = now
	return nil
}

// MarkAsFailed moves PROCESSING -> FAILED. The reason check runs first so
// an empty reason is always reported as such, whatever the current status.
func (c *BillingCycle) MarkAsFailed(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}
	if c.Status != StatusProcessing {
		return fmt.Errorf("cannot fail billing cycle with status %s", c.Status)
	}
	c.Status = StatusFailed
	c.FailureReason = reason
	c.touch()
	return nil
}

// Retry moves FAILED back to PENDING so the processor picks the cycle up
// again. Clears the failure reason.
func (c *BillingCycle) Retry() error {
	if c.Status != StatusFailed {
		return ErrNotFailed
	}
	c.Status = StatusPending
	c.FailureReason = ""
	c.touch()
	return nil
}

// Refund moves COMPLETED -> REFUNDED. The refund reason is stored in
// FailureReason, which doubles as the generic status note field. Like
// MarkAsFailed, the reason check runs before the status guard.
func (c *BillingCycle) Refund(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}
	if c.Status != StatusCompleted {
		return ErrNotCompleted
	}
	c.Status = StatusRefunded
	c.FailureReason = reason
	c.touch()
	return nil
}

// RecordNotificationUsage adds sent notifications to the event count.
func (c *BillingCycle) RecordNotificationUsage(n int64) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	c.Usage.Notifications += n
	c.touch()
	return nil
}

// RecordAPIUsage adds API calls to the event count.
func (c *BillingCycle) RecordAPIUsage(n int64) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	c.Usage.APICalls += n
	c.touch()
	return nil
}

// RecordBusinessUsage stores the peak concurrent business count. Reporting
// a lower value than already seen is a no-op, not a decrease.
func (c *BillingCycle) RecordBusinessUsage(n int64) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	if n > c.Usage.Businesses {
		c.Usage.Businesses = n
	}
	c.touch()
	return nil
}

// RecordStaffUsage stores the peak concurrent staff count.
func (c *BillingCycle) RecordStaffUsage(n int64) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	if n > c.Usage.Staff {
		c.Usage.Staff = n
	}
	c.touch()
	return nil
}

// RecordServiceUsage stores the peak concurrent service count.
func (c *BillingCycle) RecordServiceUsage(n int64) error {
	if n < 0 {
		return ErrNegativeUsage
	}
	if n > c.Usage.Services {
		c.Usage.Services = n
	}
	c.touch()
	return nil
}

// RecordStorageUsage stores the peak storage footprint in GB.
func (c *BillingCycle) RecordStorageUsage(gb float64) error {
	if gb < 0 {
		return ErrNegativeUsage
	}
	if gb > c.Usage.StorageGB {
		c.Usage.StorageGB = gb
	}
	c.touch()
	return nil
}

// CalculateCharges prices the cycle against the subscription's plan: base
// cost at the subscription's billing frequency, plus overage on the portion
// of notification usage exceeding the included quota. Recomputing with the
// same usage and plan yields the same charges.
func (c *BillingCycle) CalculateCharges(sub plan.Subscription) {
	c.Charges = c.priceAgainst(sub)
	c.touch()
}

// PredictTotalCost returns what the cycle would cost if priced now. A
// COMPLETED cycle keeps its stored charges untouched; forecasting must not
// rewrite settled books. Open cycles store the recomputed charges.
func (c *BillingCycle) PredictTotalCost(sub plan.Subscription) int64 {
	if c.Status == StatusCompleted {
		return c.priceAgainst(sub).TotalCostCents
	}
	c.CalculateCharges(sub)
	return c.Charges.TotalCostCents
}

func (c *BillingCycle) priceAgainst(sub plan.Subscription) Charges {
	p := sub.Plan()

	charges := c.Charges
	charges.BaseCostCents = p.PriceFor(sub.Frequency)

	charges.NotificationOverageCents = 0
	if over := c.Usage.Notifications - p.IncludedNotifications; over > 0 {
		charges.NotificationOverageCents = over * p.NotificationOverageCents
	}

	charges.TotalCostCents = charges.BaseCostCents +
		charges.NotificationOverageCents +
		charges.SetupFeesCents +
		charges.TaxesCents -
		charges.DiscountsCents
	return charges
}

// DurationInDays is the whole number of days between period start and end.
func (c *BillingCycle) DurationInDays() int {
	return int(c.Period.End.Sub(c.Period.Start).Hours() / 24)
}

// IsCurrentPeriod reports whether now falls within [start, end].
func (c *BillingCycle) IsCurrentPeriod(now time.Time) bool {
	return !now.Before(c.Period.Start) && !now.After(c.Period.End)
}

// UsageRatio is the elapsed fraction of the period at now, clamped to [0,1].
func (c *BillingCycle) UsageRatio(now time.Time) float64 {
	total := c.Period.End.Sub(c.Period.Start)
	if total <= 0 {
		return 0
	}
	ratio := float64(now.Sub(c.Period.Start)) / float64(total)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (c *BillingCycle) touch() {
	c.UpdatedAt = time.Now().UTC()
}
