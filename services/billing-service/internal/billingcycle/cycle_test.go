package billingcycle

import (
	"testing"
	"time"

	"github.com/agendly/agendly/services/billing-service/internal/plan"
)

func newTestCycle(t *testing.T) *BillingCycle {
	t.Helper()
	c, err := New("sub-1", "biz-1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func processingCycle(t *testing.T) *BillingCycle {
	t.Helper()
	c := newTestCycle(t)
	if err := c.MarkAsProcessing(); err != nil {
		t.Fatalf("MarkAsProcessing failed: %v", err)
	}
	return c
}

func TestNew_RejectsInvertedPeriod(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := New("sub-1", "biz-1", at, at); err == nil {
		t.Fatal("expected error for start == end")
	}
	if _, err := New("sub-1", "biz-1", at, at.Add(-24*time.Hour)); err == nil {
		t.Fatal("expected error for start after end")
	}
}

func TestNew_StartsZeroed(t *testing.T) {
	c := newTestCycle(t)
	if c.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", c.Status)
	}
	if c.Usage != (Usage{}) {
		t.Fatalf("expected zero usage, got %+v", c.Usage)
	}
	if c.Charges != (Charges{}) {
		t.Fatalf("expected zero charges, got %+v", c.Charges)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	c := newTestCycle(t)

	if err := c.MarkAsProcessing(); err != nil {
		t.Fatalf("MarkAsProcessing failed: %v", err)
	}
	if err := c.MarkAsCompleted(); err != nil {
		t.Fatalf("MarkAsCompleted failed: %v", err)
	}
	if c.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", c.Status)
	}
	if c.ProcessedAt == nil {
		t.Fatal("expected ProcessedAt to be set")
	}
	if c.FailureReason != "" {
		t.Fatalf("expected cleared failure reason, got %q", c.FailureReason)
	}
}

func TestMarkAsProcessing_OnlyFromPending(t *testing.T) {
	c := processingCycle(t)
	err := c.MarkAsProcessing()
	if err == nil {
		t.Fatal("expected error from PROCESSING")
	}
	want := "cannot process billing cycle with status PROCESSING"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestMarkAsCompleted_OnlyFromProcessing(t *testing.T) {
	c := newTestCycle(t)
	if err := c.MarkAsCompleted(); err != ErrNotProcessing {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
}

func TestFailRetryRoundTrip(t *testing.T) {
	c := processingCycle(t)

	if err := c.MarkAsFailed("card declined"); err != nil {
		t.Fatalf("MarkAsFailed failed: %v", err)
	}
	if c.Status != StatusFailed || c.FailureReason != "card declined" {
		t.Fatalf("unexpected state: %s / %q", c.Status, c.FailureReason)
	}

	if err := c.Retry(); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if c.Status != StatusPending {
		t.Fatalf("expected PENDING after retry, got %s", c.Status)
	}
	if c.FailureReason != "" {
		t.Fatalf("expected failure reason cleared, got %q", c.FailureReason)
	}

	if err := c.Retry(); err != ErrNotFailed {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}

func TestMarkAsFailed_EmptyReasonAlwaysRejected(t *testing.T) {
	// The empty-reason check runs before the status guard: verify it with a
	// PROCESSING fixture where only the reason can be at fault.
	c := processingCycle(t)
	if err := c.MarkAsFailed(""); err != ErrEmptyReason {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}
	if c.Status != StatusProcessing {
		t.Fatalf("state mutated on rejected call: %s", c.Status)
	}

	// Same error even when the status would also disallow the transition.
	pending := newTestCycle(t)
	if err := pending.MarkAsFailed("  "); err != ErrEmptyReason {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}
}

func TestRefund_OnlyFromCompleted(t *testing.T) {
	c := processingCycle(t)
	if err := c.Refund("duplicate charge"); err != ErrNotCompleted {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}

	if err := c.MarkAsCompleted(); err != nil {
		t.Fatalf("MarkAsCompleted failed: %v", err)
	}
	if err := c.Refund("duplicate charge"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if c.Status != StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", c.Status)
	}
	if c.FailureReason != "duplicate charge" {
		t.Fatalf("expected refund reason stored, got %q", c.FailureReason)
	}
}

func TestRefund_RequiresReason(t *testing.T) {
	c := processingCycle(t)
	if err := c.MarkAsCompleted(); err != nil {
		t.Fatalf("MarkAsCompleted failed: %v", err)
	}

	if err := c.Refund(""); err != ErrEmptyReason {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}
	if err := c.Refund("   "); err != ErrEmptyReason {
		t.Fatalf("expected ErrEmptyReason for blank reason, got %v", err)
	}
	if c.Status != StatusCompleted {
		t.Fatalf("expected cycle untouched after rejected refund, got %s", c.Status)
	}
}

func TestAdditiveCounters(t *testing.T) {
	c := newTestCycle(t)

	if err := c.RecordNotificationUsage(3); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	if err := c.RecordNotificationUsage(5); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	if c.Usage.Notifications != 8 {
		t.Fatalf("expected 8 notifications, got %d", c.Usage.Notifications)
	}

	if err := c.RecordAPIUsage(100); err != nil {
		t.Fatalf("RecordAPIUsage failed: %v", err)
	}
	if err := c.RecordAPIUsage(50); err != nil {
		t.Fatalf("RecordAPIUsage failed: %v", err)
	}
	if c.Usage.APICalls != 150 {
		t.Fatalf("expected 150 api calls, got %d", c.Usage.APICalls)
	}
}

func TestMonotonicMaxCounters(t *testing.T) {
	c := newTestCycle(t)

	// Higher then lower: the lower report must not decrease the stored peak.
	if err := c.RecordStaffUsage(12); err != nil {
		t.Fatalf("RecordStaffUsage failed: %v", err)
	}
	if err := c.RecordStaffUsage(7); err != nil {
		t.Fatalf("RecordStaffUsage failed: %v", err)
	}
	if c.Usage.Staff != 12 {
		t.Fatalf("expected peak 12, got %d", c.Usage.Staff)
	}

	// Lower then higher: order within the pair must not matter.
	if err := c.RecordBusinessUsage(2); err != nil {
		t.Fatalf("RecordBusinessUsage failed: %v", err)
	}
	if err := c.RecordBusinessUsage(4); err != nil {
		t.Fatalf("RecordBusinessUsage failed: %v", err)
	}
	if c.Usage.Businesses != 4 {
		t.Fatalf("expected peak 4, got %d", c.Usage.Businesses)
	}

	if err := c.RecordServiceUsage(9); err != nil {
		t.Fatalf("RecordServiceUsage failed: %v", err)
	}
	if err := c.RecordServiceUsage(9); err != nil {
		t.Fatalf("RecordServiceUsage failed: %v", err)
	}
	if c.Usage.Services != 9 {
		t.Fatalf("expected peak 9, got %d", c.Usage.Services)
	}

	if err := c.RecordStorageUsage(2.5); err != nil {
		t.Fatalf("RecordStorageUsage failed: %v", err)
	}
	if err := c.RecordStorageUsage(1.0); err != nil {
		t.Fatalf("RecordStorageUsage failed: %v", err)
	}
	if c.Usage.StorageGB != 2.5 {
		t.Fatalf("expected peak 2.5GB, got %v", c.Usage.StorageGB)
	}
}

func TestNegativeUsageRejectedWithoutMutation(t *testing.T) {
	c := newTestCycle(t)
	if err := c.RecordNotificationUsage(10); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	before := c.Usage

	if err := c.RecordNotificationUsage(-1); err != ErrNegativeUsage {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if err := c.RecordAPIUsage(-1); err != ErrNegativeUsage {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if err := c.RecordStaffUsage(-1); err != ErrNegativeUsage {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if err := c.RecordStorageUsage(-0.1); err != ErrNegativeUsage {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}

	if c.Usage != before {
		t.Fatalf("usage mutated on rejected call: %+v vs %+v", c.Usage, before)
	}
}

func TestCalculateCharges_WithinQuota(t *testing.T) {
	c := newTestCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "starter", Frequency: plan.Monthly}

	// starter includes 500 notifications.
	if err := c.RecordNotificationUsage(500); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	c.CalculateCharges(sub)

	if c.Charges.BaseCostCents != 1900 {
		t.Fatalf("expected base 1900, got %d", c.Charges.BaseCostCents)
	}
	if c.Charges.NotificationOverageCents != 0 {
		t.Fatalf("expected no overage at quota, got %d", c.Charges.NotificationOverageCents)
	}
	if c.Charges.TotalCostCents != 1900 {
		t.Fatalf("expected total 1900, got %d", c.Charges.TotalCostCents)
	}
}

func TestCalculateCharges_Overage(t *testing.T) {
	c := newTestCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "starter", Frequency: plan.Monthly}

	// 120 over the 500 quota at 2c/unit.
	if err := c.RecordNotificationUsage(620); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	c.CalculateCharges(sub)

	if c.Charges.NotificationOverageCents != 240 {
		t.Fatalf("expected overage 240, got %d", c.Charges.NotificationOverageCents)
	}
	if c.Charges.TotalCostCents != 2140 {
		t.Fatalf("expected total 2140, got %d", c.Charges.TotalCostCents)
	}
}

func TestCalculateCharges_YearlyFrequencyAndAdjustments(t *testing.T) {
	c := newTestCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "pro", Frequency: plan.Yearly}

	c.Charges.SetupFeesCents = 1000
	c.Charges.TaxesCents = 500
	c.Charges.DiscountsCents = 300
	c.CalculateCharges(sub)

	if c.Charges.BaseCostCents != 49000 {
		t.Fatalf("expected yearly base 49000, got %d", c.Charges.BaseCostCents)
	}
	// base + overage(0) + setup + taxes - discounts
	if want := int64(49000 + 0 + 1000 + 500 - 300); c.Charges.TotalCostCents != want {
		t.Fatalf("expected total %d, got %d", want, c.Charges.TotalCostCents)
	}
}

func TestCalculateCharges_Idempotent(t *testing.T) {
	c := newTestCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "free", Frequency: plan.Monthly}

	if err := c.RecordNotificationUsage(150); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	c.CalculateCharges(sub)
	first := c.Charges
	c.CalculateCharges(sub)
	if c.Charges != first {
		t.Fatalf("recomputation changed charges: %+v vs %+v", c.Charges, first)
	}
}

func TestPredictTotalCost_DoesNotTouchCompletedCharges(t *testing.T) {
	c := processingCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "free", Frequency: plan.Monthly}

	if err := c.RecordNotificationUsage(100); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	c.CalculateCharges(sub)
	if err := c.MarkAsCompleted(); err != nil {
		t.Fatalf("MarkAsCompleted failed: %v", err)
	}
	settled := c.Charges

	// More usage lands after settlement (late events).
	if err := c.RecordNotificationUsage(50); err != nil {
		t.Fatalf("RecordNotificationUsage failed: %v", err)
	}
	predicted := c.PredictTotalCost(sub)

	// free tier: 100 included, 50 over at 3c.
	if predicted != 150 {
		t.Fatalf("expected predicted total 150, got %d", predicted)
	}
	if c.Charges != settled {
		t.Fatalf("forecast rewrote settled charges: %+v vs %+v", c.Charges, settled)
	}
}

func TestPredictTotalCost_StoresForOpenCycle(t *testing.T) {
	c := newTestCycle(t)
	sub := plan.Subscription{ID: "sub-1", BusinessID: "biz-1", Tier: "starter", Frequency: plan.Monthly}

	predicted := c.PredictTotalCost(sub)
	if predicted != 1900 {
		t.Fatalf("expected 1900, got %d", predicted)
	}
	if c.Charges.TotalCostCents != 1900 {
		t.Fatalf("expected stored charges for open cycle, got %d", c.Charges.TotalCostCents)
	}
}

func TestDurationInDays(t *testing.T) {
	c := newTestCycle(t)
	// 2025-01-01 .. 2025-01-31
	if got := c.DurationInDays(); got != 30 {
		t.Fatalf("expected 30 days, got %d", got)
	}
}

func TestIsCurrentPeriodAndUsageRatio(t *testing.T) {
	c := newTestCycle(t)

	before := c.Period.Start.Add(-time.Hour)
	mid := c.Period.Start.Add(c.Period.End.Sub(c.Period.Start) / 2)
	after := c.Period.End.Add(time.Hour)

	if c.IsCurrentPeriod(before) {
		t.Fatal("before start is not current")
	}
	if !c.IsCurrentPeriod(c.Period.Start) || !c.IsCurrentPeriod(mid) || !c.IsCurrentPeriod(c.Period.End) {
		t.Fatal("bounds and midpoint are current")
	}
	if c.IsCurrentPeriod(after) {
		t.Fatal("after end is not current")
	}

	if got := c.UsageRatio(before); got != 0 {
		t.Fatalf("expected ratio clamped to 0, got %v", got)
	}
	if got := c.UsageRatio(mid); got != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", got)
	}
	if got := c.UsageRatio(after); got != 1 {
		t.Fatalf("expected ratio clamped to 1, got %v", got)
	}
}

func TestFromSubscription_SeedsUsage(t *testing.T) {
	sub := plan.Subscription{
		ID:            "sub-9",
		BusinessID:    "biz-9",
		Tier:          "pro",
		Frequency:     plan.Monthly,
		Notifications: 42,
		APICalls:      1000,
		Businesses:    2,
		Staff:         8,
		Services:      30,
		StorageGB:     3.5,
	}
	c, err := FromSubscription(sub,
		time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("FromSubscription failed: %v", err)
	}
	if c.SubscriptionID != "sub-9" || c.BusinessID != "biz-9" {
		t.Fatalf("unexpected references: %s / %s", c.SubscriptionID, c.BusinessID)
	}
	want := Usage{Notifications: 42, APICalls: 1000, Businesses: 2, Staff: 8, Services: 30, StorageGB: 3.5}
	if c.Usage != want {
		t.Fatalf("expected seeded usage %+v, got %+v", want, c.Usage)
	}
	if c.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", c.Status)
	}
}
