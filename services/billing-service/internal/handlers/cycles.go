package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/billing-service/internal/billingcycle"
	"github.com/agendly/agendly/services/billing-service/internal/plan"
)

type cyclePayload struct {
	CycleID        string  `json:"cycle_id"`
	SubscriptionID string  `json:"subscription_id"`
	BusinessID     string  `json:"business_id"`
	PeriodStart    string  `json:"period_start"`
	PeriodEnd      string  `json:"period_end"`
	Status         string  `json:"status"`
	Notifications  int64   `json:"notifications_used"`
	APICalls       int64   `json:"api_calls_used"`
	Businesses     int64   `json:"businesses_used"`
	Staff          int64   `json:"staff_used"`
	Services       int64   `json:"services_used"`
	StorageGB      float64 `json:"storage_gb_used"`
	BaseCents      int64   `json:"base_cost_cents"`
	OverageCents   int64   `json:"notification_overage_cents"`
	SetupCents     int64   `json:"setup_fees_cents"`
	DiscountCents  int64   `json:"discounts_cents"`
	TaxCents       int64   `json:"taxes_cents"`
	TotalCents     int64   `json:"total_cost_cents"`
	ProcessedAt    string  `json:"processed_at,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	UpdatedAt      string  `json:"updated_at"`
}

func toCyclePayload(c *billingcycle.BillingCycle) cyclePayload {
	p := cyclePayload{
		CycleID:        c.ID,
		SubscriptionID: c.SubscriptionID,
		BusinessID:     c.BusinessID,
		PeriodStart:    c.Period.Start.UTC().Format(time.RFC3339),
		PeriodEnd:      c.Period.End.UTC().Format(time.RFC3339),
		Status:         string(c.Status),
		Notifications:  c.Usage.Notifications,
		APICalls:       c.Usage.APICalls,
		Businesses:     c.Usage.Businesses,
		Staff:          c.Usage.Staff,
		Services:       c.Usage.Services,
		StorageGB:      c.Usage.StorageGB,
		BaseCents:      c.Charges.BaseCostCents,
		OverageCents:   c.Charges.NotificationOverageCents,
		SetupCents:     c.Charges.SetupFeesCents,
		DiscountCents:  c.Charges.DiscountsCents,
		TaxCents:       c.Charges.TaxesCents,
		TotalCents:     c.Charges.TotalCostCents,
		FailureReason:  c.FailureReason,
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.ProcessedAt != nil {
		p.ProcessedAt = c.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return p
}

func (h *Handler) authorizeBusiness(w http.ResponseWriter, r *http.Request, businessID string) bool {
	role := r.Header.Get("X-Role")
	callerBusinessID := strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if role != "admin" && callerBusinessID != "" && callerBusinessID != businessID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	cycleID := strings.TrimSpace(r.URL.Query().Get("cycle_id"))
	if businessID == "" || cycleID == "" {
		http.Error(w, "business_id and cycle_id are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeBusiness(w, r, businessID) {
		return
	}

	cycle, err := h.repo.GetCycle(r.Context(), businessID, cycleID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "billing cycle not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load billing cycle", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toCyclePayload(cycle))
}

func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		businessID = strings.TrimSpace(r.Header.Get("X-Business-Id"))
	}
	if businessID == "" {
		http.Error(w, "business_id is required", http.StatusBadRequest)
		return
	}
	if !h.authorizeBusiness(w, r, businessID) {
		return
	}

	limit := 24
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cycles, err := h.repo.ListCyclesByBusiness(r.Context(), businessID, limit)
	if err != nil {
		http.Error(w, "failed to list billing cycles", http.StatusInternalServerError)
		return
	}
	items := make([]cyclePayload, 0, len(cycles))
	for _, c := range cycles {
		items = append(items, toCyclePayload(c))
	}
	writeJSON(w, http.StatusOK, items)
}

type cycleActionRequest struct {
	BusinessID string `json:"business_id"`
	CycleID    string `json:"cycle_id"`
	Reason     string `json:"reason,omitempty"`
}

// RetryCycle re-queues a failed cycle for the processor.
func (h *Handler) RetryCycle(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(w, r, func(c *billingcycle.BillingCycle, _ string) (string, error) {
		return "billing.cycle.retried.v1", c.Retry()
	})
}

// RefundCycle reverses a settled cycle. Admin only.
func (h *Handler) RefundCycle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Role") != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.cycleAction(w, r, func(c *billingcycle.BillingCycle, reason string) (string, error) {
		return "billing.cycle.refunded.v1", c.Refund(reason)
	})
}

func (h *Handler) cycleAction(w http.ResponseWriter, r *http.Request, apply func(*billingcycle.BillingCycle, string) (string, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cycleActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.CycleID = strings.TrimSpace(req.CycleID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.BusinessID == "" || req.CycleID == "" {
		http.Error(w, "business_id and cycle_id are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeBusiness(w, r, req.BusinessID) {
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cycle, err := h.repo.GetCycleForUpdate(ctx, tx, req.BusinessID, req.CycleID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "billing cycle not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load billing cycle", http.StatusInternalServerError)
		return
	}

	eventType, err := apply(cycle, req.Reason)
	if err != nil {
		if errors.Is(err, billingcycle.ErrNotFailed) || errors.Is(err, billingcycle.ErrNotCompleted) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.repo.SaveCycle(ctx, tx, cycle); err != nil {
		http.Error(w, "failed to save billing cycle", http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"cycle_id":         cycle.ID,
		"business_id":      cycle.BusinessID,
		"status":           string(cycle.Status),
		"total_cost_cents": cycle.Charges.TotalCostCents,
		"reason":           req.Reason,
	})
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "billing_cycle",
		AggregateID:   cycle.ID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := h.recordAudit(ctx, tx, r, eventType, "", cycle.BusinessID, map[string]any{
		"cycle_id": cycle.ID,
		"reason":   req.Reason,
	}); err != nil {
		http.Error(w, "failed to record audit event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toCyclePayload(cycle))
}

// ForecastCycle prices the cycle as of now without settling it. Completed
// cycles report their would-be cost while keeping stored charges untouched.
func (h *Handler) ForecastCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	cycleID := strings.TrimSpace(r.URL.Query().Get("cycle_id"))
	if businessID == "" || cycleID == "" {
		http.Error(w, "business_id and cycle_id are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeBusiness(w, r, businessID) {
		return
	}

	cycle, err := h.repo.GetCycle(r.Context(), businessID, cycleID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "billing cycle not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load billing cycle", http.StatusInternalServerError)
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), businessID)
	if err != nil && !db.IsNotFound(err) {
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}

	predicted := cycle.PredictTotalCost(plan.Subscription{
		ID:         sub.ID,
		BusinessID: businessID,
		Tier:       sub.Tier,
		Frequency:  plan.BillingFrequency(sub.Frequency),
		Status:     sub.Status,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"cycle_id":              cycle.ID,
		"business_id":           businessID,
		"status":                string(cycle.Status),
		"predicted_total_cents": predicted,
		"usage_ratio":           cycle.UsageRatio(time.Now().UTC()),
		"period_days":           cycle.DurationInDays(),
	})
}

type recordUsageRequest struct {
	BusinessID string  `json:"business_id"`
	Metric     string  `json:"metric"`
	Amount     int64   `json:"amount"`
	StorageGB  float64 `json:"storage_gb,omitempty"`
}

// RecordUsage is the admin/testing path for usage ingestion; production
// usage arrives over Kafka. Both paths share the aggregate's accumulation
// rules, so counters and gauges behave identically.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.Metric = strings.TrimSpace(strings.ToLower(req.Metric))
	if req.BusinessID == "" || req.Metric == "" {
		http.Error(w, "business_id and metric are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeBusiness(w, r, req.BusinessID) {
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cycle, err := h.repo.GetOpenCycleForUpdate(ctx, tx, req.BusinessID, time.Now().UTC())
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "no open billing cycle", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load billing cycle", http.StatusInternalServerError)
		return
	}

	switch req.Metric {
	case "notifications":
		err = cycle.RecordNotificationUsage(req.Amount)
	case "api_calls":
		err = cycle.RecordAPIUsage(req.Amount)
	case "businesses":
		err = cycle.RecordBusinessUsage(req.Amount)
	case "staff":
		err = cycle.RecordStaffUsage(req.Amount)
	case "services":
		err = cycle.RecordServiceUsage(req.Amount)
	case "storage_gb":
		err = cycle.RecordStorageUsage(req.StorageGB)
	default:
		http.Error(w, "unknown metric", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.repo.SaveCycle(ctx, tx, cycle); err != nil {
		http.Error(w, "failed to save billing cycle", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toCyclePayload(cycle))
}
