package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/booking-service/internal/appointment"
	"github.com/agendly/agendly/services/booking-service/internal/availability"
	"github.com/agendly/agendly/services/booking-service/internal/policy"
	"github.com/agendly/agendly/services/booking-service/internal/scheduling"
	"github.com/agendly/agendly/services/booking-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

type AppointmentHandler struct {
	repo       *storage.AppointmentRepository
	outboxRepo *events.OutboxRepository
	logger     *slog.Logger
	policy     policy.Provider
	scheduling scheduling.Provider
	defaults   []time.Duration
}

func NewAppointmentHandler(repo *storage.AppointmentRepository, outboxRepo *events.OutboxRepository, logger *slog.Logger, policyProvider policy.Provider, schedulingProvider scheduling.Provider, defaults []time.Duration) *AppointmentHandler {
	return &AppointmentHandler{
		repo:       repo,
		outboxRepo: outboxRepo,
		logger:     logger,
		policy:     policyProvider,
		scheduling: schedulingProvider,
		defaults:   defaults,
	}
}

type bookedByPayload struct {
	Relationship            string `json:"relationship"`
	RelationshipDescription string `json:"relationship_description,omitempty"`
}

type createRequest struct {
	BusinessID     string           `json:"business_id"`
	CalendarID     string           `json:"calendar_id"`
	ServiceID      string           `json:"service_id"`
	StaffID        string           `json:"staff_id"`
	ClientName     string           `json:"client_name"`
	ClientEmail    string           `json:"client_email"`
	ClientPhone    string           `json:"client_phone"`
	BookedBy       *bookedByPayload `json:"booked_by"`
	StartTime      string           `json:"start_time"`
	EndTime        string           `json:"end_time"`
	BasePriceCents int64            `json:"base_price_cents"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
}

type createResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

type transitionRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
}

type transitionResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	UpdatedAt     string `json:"updated_at"`
}

type addNoteRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	AuthorID      string `json:"author_id"`
	Content       string `json:"content"`
	Private       bool   `json:"private"`
}

type notePayload struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	Private   bool   `json:"private"`
	CreatedAt string `json:"created_at"`
}

type appointmentPayload struct {
	AppointmentID   string           `json:"appointment_id"`
	BusinessID      string           `json:"business_id"`
	CalendarID      string           `json:"calendar_id,omitempty"`
	ServiceID       string           `json:"service_id"`
	StaffID         string           `json:"staff_id,omitempty"`
	ClientName      string           `json:"client_name"`
	ClientEmail     string           `json:"client_email,omitempty"`
	ClientPhone     string           `json:"client_phone,omitempty"`
	BookedBy        *bookedByPayload `json:"booked_by,omitempty"`
	StartTime       string           `json:"start_time"`
	EndTime         string           `json:"end_time"`
	DurationMinutes int              `json:"duration_minutes"`
	Status          string           `json:"status"`
	PaymentStatus   string           `json:"payment_status"`
	TotalCents      int64            `json:"total_amount_cents"`
	Title           string           `json:"title,omitempty"`
	Notes           []notePayload    `json:"notes,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.ClientName = strings.TrimSpace(req.ClientName)
	if req.BusinessID == "" || req.ServiceID == "" || req.ClientName == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	slot, err := appointment.NewTimeSlot(startTime, endTime)
	if err != nil {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return
	}

	var bookedBy *appointment.BookedBy
	if req.BookedBy != nil {
		rel, ok := appointment.ParseRelationship(strings.TrimSpace(req.BookedBy.Relationship))
		if !ok {
			http.Error(w, "unknown booked_by relationship", http.StatusBadRequest)
			return
		}
		bookedBy = &appointment.BookedBy{
			Relationship:            rel,
			RelationshipDescription: strings.TrimSpace(req.BookedBy.RelationshipDescription),
		}
	}

	appt, err := appointment.New(appointment.NewParams{
		BusinessID: req.BusinessID,
		CalendarID: strings.TrimSpace(req.CalendarID),
		ServiceID:  req.ServiceID,
		StaffID:    strings.TrimSpace(req.StaffID),
		Slot:       slot,
		Client: appointment.ClientInfo{
			Name:     req.ClientName,
			Email:    strings.TrimSpace(req.ClientEmail),
			Phone:    strings.TrimSpace(req.ClientPhone),
			BookedBy: bookedBy,
		},
		Pricing: appointment.Pricing{
			BasePriceCents:   req.BasePriceCents,
			TotalAmountCents: req.BasePriceCents,
			PaymentStatus:    appointment.PaymentPending,
		},
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		rec, exists, err := h.repo.LockIdempotencyKey(ctx, tx, appt.BusinessID, idempotencyKey)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		if exists && rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			if len(rec.ResponsePayload) > 0 {
				_, _ = w.Write(rec.ResponsePayload)
				return
			}
			_ = json.NewEncoder(w).Encode(createResponse{AppointmentID: rec.AppointmentID, Status: string(appointment.StatusRequested)})
			return
		}
	}

	// The requested slot must fit staff availability when the scheduling
	// provider is enabled. Dependency errors do not finalize the idempotency
	// key so the client can retry with the same key.
	ok, err := h.validateWithinAvailability(ctx, appt)
	if err != nil {
		http.Error(w, "availability service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		h.rejectCreate(ctx, w, tx, appt.BusinessID, idempotencyKey, http.StatusUnprocessableEntity, "requested time is outside business availability")
		return
	}

	// Overlap check against live bookings for the same staff member.
	if appt.StaffID != "" {
		busy, err := h.repo.ListBookedIntervals(ctx, appt.BusinessID, appt.StaffID, appt.Slot.Start, appt.Slot.End)
		if err != nil {
			http.Error(w, "failed to check staff schedule", http.StatusInternalServerError)
			return
		}
		for _, b := range busy {
			if appt.Slot.Overlaps(b) {
				h.rejectCreate(ctx, w, tx, appt.BusinessID, idempotencyKey, http.StatusConflict, "time slot already booked")
				return
			}
		}
	}

	if err := h.enforceMonthlyAppointmentLimit(ctx, tx, appt.BusinessID, appt.Slot.Start); err != nil {
		if errors.Is(err, errPaymentRequired) {
			h.rejectCreate(ctx, w, tx, appt.BusinessID, idempotencyKey, http.StatusPaymentRequired, err.Error())
			return
		}
		http.Error(w, "entitlements check failed", http.StatusInternalServerError)
		return
	}

	if err := h.repo.Create(ctx, tx, appt); err != nil {
		if db.IsConflict(err) {
			http.Error(w, "time slot already booked", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	if err := h.insertLifecycleEvent(ctx, tx, appt, "booking.appointment.requested.v1", ""); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}
	h.enqueueReminders(ctx, tx, appt)

	respBody, err := json.Marshal(createResponse{AppointmentID: appt.ID, Status: string(appt.Status)})
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if idempotencyKey != "" {
		if err := h.repo.FinalizeIdempotency(ctx, tx, appt.BusinessID, idempotencyKey, appt.ID, http.StatusCreated, respBody); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

var errPaymentRequired = errors.New("monthly appointment limit reached (upgrade required)")

func (h *AppointmentHandler) enforceMonthlyAppointmentLimit(ctx context.Context, tx pgx.Tx, businessID string, start time.Time) error {
	const defaultFreeMax = 200

	ent, ok, err := h.repo.GetBusinessEntitlements(ctx, tx, businessID)
	if err != nil {
		return err
	}
	max := defaultFreeMax
	if ok && ent.MaxMonthlyAppointments > 0 {
		max = ent.MaxMonthlyAppointments
	}
	if max <= 0 {
		return nil
	}

	startUTC := start.UTC()
	monthStart := time.Date(startUTC.Year(), startUTC.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	cnt, err := h.repo.CountActiveInRange(ctx, tx, businessID, monthStart, monthEnd)
	if err != nil {
		return err
	}
	if cnt >= max {
		return errPaymentRequired
	}
	return nil
}

// Confirm moves a requested appointment to confirmed. Proxy bookings with an
// OTHER relationship and no description are rejected here, before the status
// change, when business policy demands a known relationship.
func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, req transitionRequest, appt appointment.Appointment) (appointment.Appointment, string, error) {
		if appt.IsBookedForFamilyMember() && !appt.HasValidFamilyRelationship() {
			required := true
			if h.policy != nil {
				if v, err := h.policy.RequireKnownRelationship(ctx, appt.BusinessID); err == nil {
					required = v
				}
			}
			if required {
				return appointment.Appointment{}, "", errUnknownRelationship
			}
		}
		next, err := appt.Confirm()
		return next, "booking.appointment.confirmed.v1", err
	})
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(_ context.Context, req transitionRequest, appt appointment.Appointment) (appointment.Appointment, string, error) {
		next, err := appt.Cancel(req.Reason)
		return next, "booking.appointment.cancelled.v1", err
	})
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(_ context.Context, req transitionRequest, appt appointment.Appointment) (appointment.Appointment, string, error) {
		next, err := appt.Complete()
		return next, "booking.appointment.completed.v1", err
	})
}

var errUnknownRelationship = errors.New("booked_by relationship requires a description")

type transitionFunc func(ctx context.Context, req transitionRequest, appt appointment.Appointment) (appointment.Appointment, string, error)

func (h *AppointmentHandler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.BusinessID == "" || req.AppointmentID == "" {
		http.Error(w, "business_id and appointment_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.BusinessID, req.AppointmentID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	next, eventType, err := apply(ctx, req, appt)
	if err != nil {
		if errors.Is(err, errUnknownRelationship) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if appointment.IsStateError(err) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "transition failed", http.StatusInternalServerError)
		return
	}

	if err := h.repo.Save(ctx, tx, next); err != nil {
		http.Error(w, "failed to save appointment", http.StatusInternalServerError)
		return
	}
	if err := h.insertLifecycleEvent(ctx, tx, next, eventType, req.Reason); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{
		AppointmentID: next.ID,
		Status:        string(next.Status),
		UpdatedAt:     next.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *AppointmentHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req addNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.BusinessID == "" || req.AppointmentID == "" {
		http.Error(w, "business_id and appointment_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.BusinessID, req.AppointmentID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	next, err := appt.AddNote(req.AuthorID, req.Content, req.Private)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.repo.Save(ctx, tx, next); err != nil {
		http.Error(w, "failed to save note", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	added := next.Notes[len(next.Notes)-1]
	writeJSON(w, http.StatusCreated, notePayload{
		ID:        added.ID,
		AuthorID:  added.AuthorID,
		Content:   added.Content,
		Private:   added.Private,
		CreatedAt: added.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	appointmentID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if businessID == "" || appointmentID == "" {
		http.Error(w, "business_id and appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := h.repo.Get(r.Context(), businessID, appointmentID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toPayload(appt, true))
}

func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if businessID == "" {
		businessID = strings.TrimSpace(r.URL.Query().Get("business_id"))
	}
	if businessID == "" {
		http.Error(w, "business_id required", http.StatusBadRequest)
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	appts, err := h.repo.ListByBusiness(r.Context(), businessID, status, limit)
	if err != nil {
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentPayload, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toPayload(appt, false))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if businessID == "" || staffID == "" || dateStr == "" || serviceID == "" {
		http.Error(w, "business_id, staff_id, service_id, and date are required", http.StatusBadRequest)
		return
	}

	windows, durationMins, stepMins, ok := h.resolveAvailabilityWindows(r.Context(), businessID, staffID, serviceID, dateStr, r)
	if !ok {
		writeJSON(w, http.StatusOK, []slotItem{})
		return
	}

	minStart, maxEnd := minMaxWindows(windows)
	if minStart.IsZero() || maxEnd.IsZero() || !maxEnd.After(minStart) {
		writeJSON(w, http.StatusOK, []slotItem{})
		return
	}

	// Requested and confirmed appointments both block the slot. Cancelled do not.
	busy, err := h.repo.ListBookedIntervals(r.Context(), businessID, staffID, minStart, maxEnd)
	if err != nil {
		http.Error(w, "failed to load booked slots", http.StatusInternalServerError)
		return
	}

	resp := []slotItem{}
	for _, win := range windows {
		slotStarts := availability.AvailableSlots(
			win.Start,
			win.End,
			time.Duration(durationMins)*time.Minute,
			time.Duration(stepMins)*time.Minute,
			busy,
			time.Now().UTC(),
		)
		for _, s := range slotStarts {
			resp = append(resp, slotItem{
				StartTime: s.UTC().Format(time.RFC3339),
				EndTime:   s.Add(time.Duration(durationMins) * time.Minute).UTC().Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AppointmentHandler) resolveAvailabilityWindows(ctx context.Context, businessID, staffID, serviceID, dateStr string, r *http.Request) ([]appointment.TimeSlot, int, int, bool) {
	// Business-service gRPC is the production path.
	if h.scheduling != nil {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		cfg, err := h.scheduling.GetAvailabilityConfig(reqCtx, businessID, staffID, serviceID, dateStr)
		if err == nil {
			if !cfg.IsWorking {
				return nil, 0, 0, false
			}
			duration := cfg.DurationMinutes
			if duration <= 0 {
				duration = 30
			}
			step := cfg.SlotStepMinutes
			if step <= 0 {
				step = 15
			}
			wins := windowsFromConfig(cfg)
			if len(wins) == 0 {
				return nil, 0, 0, false
			}
			return wins, duration, step, true
		}
		h.logger.Warn("availability config fetch failed; falling back to query params", "err", err)
	}

	// Fallback: explicit duration/step and workday hours for dev without business-service.
	durationMins := 30
	if v := strings.TrimSpace(r.URL.Query().Get("duration_minutes")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 8*60 {
			durationMins = n
		} else {
			return nil, 0, 0, false
		}
	}
	stepMins := 15
	if v := strings.TrimSpace(r.URL.Query().Get("slot_step_minutes")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 120 {
			stepMins = n
		} else {
			return nil, 0, 0, false
		}
	}
	workStart := strings.TrimSpace(r.URL.Query().Get("workday_start"))
	if workStart == "" {
		workStart = "09:00"
	}
	workEnd := strings.TrimSpace(r.URL.Query().Get("workday_end"))
	if workEnd == "" {
		workEnd = "17:00"
	}

	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		return nil, 0, 0, false
	}
	startClock, err := time.Parse("15:04", workStart)
	if err != nil {
		return nil, 0, 0, false
	}
	endClock, err := time.Parse("15:04", workEnd)
	if err != nil {
		return nil, 0, 0, false
	}
	windowStart := time.Date(day.Year(), day.Month(), day.Day(), startClock.Hour(), startClock.Minute(), 0, 0, time.UTC)
	windowEnd := time.Date(day.Year(), day.Month(), day.Day(), endClock.Hour(), endClock.Minute(), 0, 0, time.UTC)
	if !windowEnd.After(windowStart) {
		return nil, 0, 0, false
	}
	return []appointment.TimeSlot{{Start: windowStart, End: windowEnd}}, durationMins, stepMins, true
}

func (h *AppointmentHandler) validateWithinAvailability(ctx context.Context, appt appointment.Appointment) (bool, error) {
	if h.scheduling == nil {
		// No scheduling provider in this build; rely on the overlap check only.
		return true, nil
	}

	startUTC := appt.Slot.Start.UTC()
	endUTC := appt.Slot.End.UTC()

	// Business-service expects a business-local date (YYYY-MM-DD). Without the
	// business TZ up front, query UTC date +/- 1 day and accept if any window
	// contains the requested interval.
	dates := uniqueStrings([]string{
		startUTC.Add(-24 * time.Hour).Format("2006-01-02"),
		startUTC.Format("2006-01-02"),
		startUTC.Add(24 * time.Hour).Format("2006-01-02"),
	})

	var lastErr error
	for _, dateStr := range dates {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		cfg, err := h.scheduling.GetAvailabilityConfig(reqCtx, appt.BusinessID, appt.StaffID, appt.ServiceID, dateStr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if !cfg.IsWorking {
			continue
		}
		if availability.FitsWithin(appointment.TimeSlot{Start: startUTC, End: endUTC}, windowsFromConfig(cfg)) {
			return true, nil
		}
	}

	if lastErr != nil {
		return false, fmt.Errorf("availability config fetch failed: %w", lastErr)
	}
	return false, nil
}

func windowsFromConfig(cfg scheduling.AvailabilityConfig) []appointment.TimeSlot {
	if len(cfg.WindowsUTC) > 0 {
		out := make([]appointment.TimeSlot, 0, len(cfg.WindowsUTC))
		for _, w := range cfg.WindowsUTC {
			start := w.StartUTC.UTC()
			end := w.EndUTC.UTC()
			if end.After(start) {
				out = append(out, appointment.TimeSlot{Start: start, End: end})
			}
		}
		return out
	}
	if cfg.WorkStartUTC.IsZero() || cfg.WorkEndUTC.IsZero() {
		return nil
	}
	if !cfg.WorkEndUTC.After(cfg.WorkStartUTC) {
		return nil
	}
	return []appointment.TimeSlot{{Start: cfg.WorkStartUTC.UTC(), End: cfg.WorkEndUTC.UTC()}}
}

func (h *AppointmentHandler) insertLifecycleEvent(ctx context.Context, tx pgx.Tx, appt appointment.Appointment, eventType, reason string) error {
	payload := map[string]any{
		"appointment_id": appt.ID,
		"business_id":    appt.BusinessID,
		"service_id":     appt.ServiceID,
		"staff_id":       appt.StaffID,
		"client_email":   appt.Client.Email,
		"client_phone":   appt.Client.Phone,
		"status":         string(appt.Status),
		"start_time":     appt.Slot.Start.UTC().Format(time.RFC3339),
		"end_time":       appt.Slot.End.UTC().Format(time.RFC3339),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       body,
	})
}

func (h *AppointmentHandler) enqueueReminders(ctx context.Context, tx pgx.Tx, appt appointment.Appointment) {
	now := time.Now().UTC()
	offsets := h.defaults
	if h.policy != nil {
		if policyOffsets, err := h.policy.ReminderOffsets(ctx, appt.BusinessID); err == nil && len(policyOffsets) > 0 {
			offsets = policyOffsets
		} else if err != nil {
			h.logger.Warn("policy offsets fetch failed; using defaults", "err", err)
		}
	}
	for _, offset := range offsets {
		remindAt := appt.Slot.Start.Add(-offset)
		if remindAt.Before(now) {
			continue
		}
		h.enqueueReminder(ctx, tx, appt, remindAt, "email", appt.Client.Email)
		h.enqueueReminder(ctx, tx, appt, remindAt, "sms", appt.Client.Phone)
	}
}

func (h *AppointmentHandler) enqueueReminder(ctx context.Context, tx pgx.Tx, appt appointment.Appointment, remindAt time.Time, channel, recipient string) {
	if strings.TrimSpace(recipient) == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"business_id":    appt.BusinessID,
		"channel":        channel,
		"recipient":      recipient,
		"remind_at":      remindAt.UTC().Format(time.RFC3339),
		"template_data": map[string]any{
			"client_name": appt.Client.Name,
			"service_id":  appt.ServiceID,
			"start_time":  appt.Slot.Start.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		h.logger.Error("failed to build reminder payload", "err", err)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "booking.reminder.requested.v1",
		Payload:       payload,
	}); err != nil {
		h.logger.Error("failed to enqueue reminder", "err", err)
	}
}

// rejectCreate persists the failure under the idempotency key so a retry with
// the same key replays the same answer.
func (h *AppointmentHandler) rejectCreate(ctx context.Context, w http.ResponseWriter, tx pgx.Tx, businessID, idempotencyKey string, statusCode int, msg string) {
	if idempotencyKey != "" {
		body, err := json.Marshal(map[string]string{"error": msg})
		if err == nil {
			if err := h.repo.FinalizeIdempotency(ctx, tx, businessID, idempotencyKey, "", statusCode, body); err != nil {
				h.logger.Error("failed to finalize idempotency (error)", "err", err)
			} else {
				_ = tx.Commit(ctx)
			}
		}
	}
	http.Error(w, msg, statusCode)
}

func toPayload(appt appointment.Appointment, includeNotes bool) appointmentPayload {
	p := appointmentPayload{
		AppointmentID:   appt.ID,
		BusinessID:      appt.BusinessID,
		CalendarID:      appt.CalendarID,
		ServiceID:       appt.ServiceID,
		StaffID:         appt.StaffID,
		ClientName:      appt.Client.Name,
		ClientEmail:     appt.Client.Email,
		ClientPhone:     appt.Client.Phone,
		StartTime:       appt.Slot.Start.UTC().Format(time.RFC3339),
		EndTime:         appt.Slot.End.UTC().Format(time.RFC3339),
		DurationMinutes: appt.DurationMinutes(),
		Status:          string(appt.Status),
		PaymentStatus:   string(appt.Pricing.PaymentStatus),
		TotalCents:      appt.Pricing.TotalAmountCents,
		Title:           appt.Title,
		CreatedAt:       appt.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       appt.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if appt.Client.BookedBy != nil {
		p.BookedBy = &bookedByPayload{
			Relationship:            string(appt.Client.BookedBy.Relationship),
			RelationshipDescription: appt.Client.BookedBy.RelationshipDescription,
		}
	}
	if includeNotes {
		for _, n := range appt.Notes {
			p.Notes = append(p.Notes, notePayload{
				ID:        n.ID,
				AuthorID:  n.AuthorID,
				Content:   n.Content,
				Private:   n.Private,
				CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return p
}

func minMaxWindows(windows []appointment.TimeSlot) (time.Time, time.Time) {
	var min time.Time
	var max time.Time
	for _, w := range windows {
		if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
			continue
		}
		if min.IsZero() || w.Start.Before(min) {
			min = w.Start
		}
		if max.IsZero() || w.End.After(max) {
			max = w.End
		}
	}
	return min, max
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
