package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/business-service/internal/prospect"
	"github.com/agendly/agendly/services/business-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Handler struct {
	repo       *storage.Repository
	outboxRepo *events.OutboxRepository
	logger     *slog.Logger
}

func New(repo *storage.Repository, outboxRepo *events.OutboxRepository, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, outboxRepo: outboxRepo, logger: logger}
}

func businessIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Business-Id"))
}

// publishUsageSnapshot emits current capacity totals after a mutation.
// Billing applies them as monotonic peaks, so re-emitting the same counts
// is harmless. Failure to snapshot never fails the mutation.
func (h *Handler) publishUsageSnapshot(ctx context.Context, businessID string) {
	counts, err := h.repo.CountUsage(ctx, businessID)
	if err != nil {
		h.logger.Warn("usage snapshot count failed", "business_id", businessID, "err", err)
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"business_id": businessID,
		"businesses":  1,
		"staff":       counts.Staff,
		"services":    counts.Services,
		"snapshot_at": time.Now().UTC().Format(time.RFC3339),
	})

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		h.logger.Warn("usage snapshot tx failed", "business_id", businessID, "err", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "business",
		AggregateID:   businessID,
		EventType:     "business.snapshot.v1",
		Payload:       payload,
	}); err != nil {
		h.logger.Warn("usage snapshot enqueue failed", "business_id", businessID, "err", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		h.logger.Warn("usage snapshot commit failed", "business_id", businessID, "err", err)
	}
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	p, err := h.repo.GetOrCreateProfile(r.Context(), businessID)
	if err != nil {
		http.Error(w, "failed to load profile", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"business_id":                p.BusinessID,
		"name":                       p.Name,
		"timezone":                   p.Timezone,
		"reminder_offsets_minutes":   p.OffsetsMins,
		"require_known_relationship": p.RequireKnownRelationship,
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Name                     string `json:"name"`
		Timezone                 string `json:"timezone"`
		ReminderOffsetsMinutes   []int  `json:"reminder_offsets_minutes"`
		RequireKnownRelationship *bool  `json:"require_known_relationship"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	var offsets []int
	for _, v := range req.ReminderOffsetsMinutes {
		if v <= 0 || v > 365*24*60 {
			http.Error(w, "invalid reminder_offsets_minutes", http.StatusBadRequest)
			return
		}
		offsets = append(offsets, v)
	}
	if len(offsets) == 0 {
		offsets = []int{1440, 60}
	}
	requireRel := true
	if req.RequireKnownRelationship != nil {
		requireRel = *req.RequireKnownRelationship
	}

	if err := h.repo.UpdateProfile(r.Context(), storage.BusinessProfile{
		BusinessID:               businessID,
		Name:                     req.Name,
		Timezone:                 req.Timezone,
		OffsetsMins:              offsets,
		RequireKnownRelationship: requireRel,
	}); err != nil {
		http.Error(w, "failed to update profile", http.StatusInternalServerError)
		return
	}
	h.publishUsageSnapshot(r.Context(), businessID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Name         string  `json:"name"`
		DurationMins int     `json:"duration_minutes"`
		Price        float64 `json:"price"`
		Description  string  `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if req.Name == "" || req.DurationMins <= 0 {
		http.Error(w, "name and duration_minutes required", http.StatusBadRequest)
		return
	}

	id, err := h.repo.CreateService(r.Context(), businessID, req.Name, req.DurationMins, strconv.FormatFloat(req.Price, 'f', 2, 64), req.Description)
	if err != nil {
		http.Error(w, "failed to create service", http.StatusInternalServerError)
		return
	}
	h.publishUsageSnapshot(r.Context(), businessID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
}

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	services, err := h.repo.ListServices(r.Context(), businessID, 100)
	if err != nil {
		http.Error(w, "failed to list services", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(services)
}

func (h *Handler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Name     string `json:"name"`
		IsActive *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	id, err := h.repo.CreateStaff(r.Context(), businessID, req.Name, isActive)
	if err != nil {
		http.Error(w, "failed to create staff", http.StatusInternalServerError)
		return
	}
	h.publishUsageSnapshot(r.Context(), businessID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
}

func (h *Handler) ListStaff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	staff, err := h.repo.ListStaff(r.Context(), businessID, 100)
	if err != nil {
		http.Error(w, "failed to list staff", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(staff)
}

func (h *Handler) ListWorkingHours(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	if staffID == "" {
		http.Error(w, "staff_id is required", http.StatusBadRequest)
		return
	}

	wh, err := h.repo.ListWorkingHours(r.Context(), businessID, staffID)
	if err != nil {
		http.Error(w, "failed to list working hours", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(wh)
}

func (h *Handler) UpsertWorkingHours(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	if staffID == "" {
		http.Error(w, "staff_id is required", http.StatusBadRequest)
		return
	}

	var req struct {
		Weekday     int  `json:"weekday"`
		IsWorking   bool `json:"is_working"`
		StartMinute int  `json:"start_minute"`
		EndMinute   int  `json:"end_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Weekday < 0 || req.Weekday > 6 {
		http.Error(w, "weekday must be between 0 and 6", http.StatusBadRequest)
		return
	}

	startMin := req.StartMinute
	endMin := req.EndMinute
	if !req.IsWorking {
		startMin = 0
		endMin = 0
	} else {
		if startMin < 0 || startMin >= 1440 || endMin <= 0 || endMin > 1440 || startMin >= endMin {
			http.Error(w, "invalid start_minute/end_minute", http.StatusBadRequest)
			return
		}
	}

	if err := h.repo.UpsertWorkingHours(r.Context(), businessID, staffID, req.Weekday, req.IsWorking, startMin, endMin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to upsert working hours", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateTimeOff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	if staffID == "" {
		http.Error(w, "staff_id is required", http.StatusBadRequest)
		return
	}

	var req struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)

	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EndTime))
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	if !end.After(start) {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return
	}

	id, err := h.repo.CreateTimeOff(r.Context(), businessID, staffID, start.UTC(), end.UTC(), req.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			http.Error(w, "time off overlaps existing entry", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create time off", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
}

func (h *Handler) ListTimeOff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	if staffID == "" {
		http.Error(w, "staff_id is required", http.StatusBadRequest)
		return
	}

	fromStr := strings.TrimSpace(r.URL.Query().Get("from"))
	toStr := strings.TrimSpace(r.URL.Query().Get("to"))
	if fromStr == "" || toStr == "" {
		http.Error(w, "from and to are required (RFC3339)", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	items, err := h.repo.ListTimeOff(r.Context(), businessID, staffID, from.UTC(), to.UTC(), 100)
	if err != nil {
		http.Error(w, "failed to list time off", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(items)
}

func (h *Handler) DeleteTimeOff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := h.repo.DeleteTimeOff(r.Context(), businessID, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "time off not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete time off", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type prospectPayload struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func toProspectPayload(p storage.Prospect) prospectPayload {
	return prospectPayload{
		ID:         p.ID,
		BusinessID: p.BusinessID,
		Name:       p.Name,
		Email:      p.Email,
		Phone:      p.Phone,
		Notes:      p.Notes,
		Status:     string(p.Status),
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) CreateProspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" && strings.TrimSpace(req.Phone) == "" {
		http.Error(w, "email or phone is required", http.StatusBadRequest)
		return
	}

	id, err := h.repo.CreateProspect(r.Context(), storage.Prospect{
		BusinessID: businessID,
		Name:       req.Name,
		Email:      strings.TrimSpace(req.Email),
		Phone:      strings.TrimSpace(req.Phone),
		Notes:      strings.TrimSpace(req.Notes),
		Status:     prospect.StatusNew,
	})
	if err != nil {
		http.Error(w, "failed to create prospect", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": string(prospect.StatusNew)})
}

func (h *Handler) ListProspects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var status prospect.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := prospect.ParseStatus(raw)
		if !ok {
			http.Error(w, "invalid status filter", http.StatusBadRequest)
			return
		}
		status = parsed
	}

	items, err := h.repo.ListProspects(r.Context(), businessID, status, 100)
	if err != nil {
		http.Error(w, "failed to list prospects", http.StatusInternalServerError)
		return
	}
	out := make([]prospectPayload, 0, len(items))
	for _, p := range items {
		out = append(out, toProspectPayload(p))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) UpdateProspectStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := businessIDFromHeader(r)
	if businessID == "" {
		http.Error(w, "missing X-Business-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		ProspectID string `json:"prospect_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProspectID = strings.TrimSpace(req.ProspectID)
	if req.ProspectID == "" {
		http.Error(w, "prospect_id is required", http.StatusBadRequest)
		return
	}
	target, ok := prospect.ParseStatus(strings.TrimSpace(req.Status))
	if !ok {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	p, err := h.repo.GetProspectForUpdate(r.Context(), tx, businessID, req.ProspectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "prospect not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load prospect", http.StatusInternalServerError)
		return
	}
	if !prospect.CanTransition(p.Status, target) {
		http.Error(w, "cannot move prospect from "+string(p.Status)+" to "+string(target), http.StatusConflict)
		return
	}
	if err := h.repo.UpdateProspectStatus(r.Context(), tx, businessID, req.ProspectID, target); err != nil {
		http.Error(w, "failed to update prospect", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.Status = target
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(toProspectPayload(p))
}
