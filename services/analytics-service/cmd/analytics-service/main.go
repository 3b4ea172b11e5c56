package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agendly/agendly/libs/config"
	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/libs/httpx"
	"github.com/agendly/agendly/libs/kafkax"
	otelx "github.com/agendly/agendly/libs/otel"
	"github.com/agendly/agendly/libs/runtime"
	"github.com/agendly/agendly/services/analytics-service/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "analytics-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := events.NewInboxRepository(pool)
	repo := metrics.NewRepository(pool)
	sink := &metricsSink{repo: repo, logger: logger}

	eventConsumer := events.NewConsumer(logger, inboxRepo, events.ConsumerConfig{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "analytics-service"),
		Topics: []string{
			"notification.sent.v1",
			"notification.failed.v1",
			"scheduler.reminder.dlq.v1",
			"auth.audit.v1",
			"booking.appointment.confirmed.v1",
			"booking.appointment.cancelled.v1",
			"billing.cycle.completed.v1",
		},
	}, sink.HandleMessage)
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "analytics")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// metricsSink maps consumed platform events onto the metrics tables.
// Malformed payloads are logged and dropped; storage errors surface so the
// consumer loop records them.
type metricsSink struct {
	repo   *metrics.Repository
	logger *slog.Logger
}

func (s *metricsSink) HandleMessage(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case "notification.sent.v1":
		return s.handleNotification(ctx, msg.Value, "sent")
	case "notification.failed.v1":
		return s.handleNotification(ctx, msg.Value, "failed")
	case "scheduler.reminder.dlq.v1":
		return s.handleSchedulerDLQ(ctx, msg.Value)
	case "auth.audit.v1":
		return s.handleAuthAudit(ctx, msg.Value)
	case "booking.appointment.confirmed.v1":
		return s.handleBookingEvent(ctx, msg, 1, 0)
	case "booking.appointment.cancelled.v1":
		return s.handleBookingEvent(ctx, msg, 0, 1)
	case "billing.cycle.completed.v1":
		return s.handleCycleCompleted(ctx, msg.Value)
	default:
		s.logger.Warn("unexpected topic", "topic", msg.Topic)
		return nil
	}
}

func (s *metricsSink) handleNotification(ctx context.Context, raw []byte, status string) error {
	var payload struct {
		AppointmentID string `json:"appointment_id"`
		BusinessID    string `json:"business_id"`
		Channel       string `json:"channel"`
		SentAt        string `json:"sent_at"`
		FailedAt      string `json:"failed_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Error("invalid notification payload", "err", err)
		return nil
	}
	ts := payload.SentAt
	if status == "failed" {
		ts = payload.FailedAt
	}
	if payload.AppointmentID == "" || payload.Channel == "" || ts == "" {
		s.logger.Error("missing notification fields")
		return nil
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		s.logger.Error("invalid notification timestamp", "err", err)
		return nil
	}

	if err := s.repo.RecordNotification(ctx, metrics.NotificationMetric{
		AppointmentID: payload.AppointmentID,
		BusinessID:    payload.BusinessID,
		Channel:       payload.Channel,
		Status:        status,
		At:            at,
	}); err != nil {
		s.logger.Error("failed to write notification metric", "err", err)
		return err
	}
	s.logger.Info("notification metric recorded", "appointment_id", payload.AppointmentID, "channel", payload.Channel, "status", status)
	return nil
}

func (s *metricsSink) handleSchedulerDLQ(ctx context.Context, raw []byte) error {
	var payload struct {
		AppointmentID string `json:"appointment_id"`
		BusinessID    string `json:"business_id"`
		Channel       string `json:"channel"`
		Recipient     string `json:"recipient"`
		RemindAt      string `json:"remind_at"`
		ErrorReason   string `json:"error_reason"`
		FailedAt      string `json:"failed_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Error("invalid dlq payload", "err", err)
		return nil
	}
	if payload.AppointmentID == "" || payload.BusinessID == "" || payload.Channel == "" || payload.ErrorReason == "" {
		s.logger.Error("missing dlq fields")
		return nil
	}
	remindAt, err := time.Parse(time.RFC3339, payload.RemindAt)
	if err != nil {
		s.logger.Error("invalid remind_at", "err", err)
		return nil
	}
	failedAt, err := time.Parse(time.RFC3339, payload.FailedAt)
	if err != nil {
		s.logger.Error("invalid failed_at", "err", err)
		return nil
	}

	if err := s.repo.RecordSchedulerDLQ(ctx, metrics.DLQEvent{
		AppointmentID: payload.AppointmentID,
		BusinessID:    payload.BusinessID,
		Channel:       payload.Channel,
		Recipient:     payload.Recipient,
		RemindAt:      remindAt,
		ErrorReason:   payload.ErrorReason,
		FailedAt:      failedAt,
	}); err != nil {
		s.logger.Error("failed to write dlq event", "err", err)
		return err
	}
	s.logger.Warn("scheduler dlq recorded", "appointment_id", payload.AppointmentID, "channel", payload.Channel)
	return nil
}

func (s *metricsSink) handleAuthAudit(ctx context.Context, raw []byte) error {
	var payload struct {
		EventType string          `json:"event_type"`
		ActorID   string          `json:"actor_id"`
		Metadata  json.RawMessage `json:"metadata"`
		CreatedAt string          `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Error("invalid auth audit payload", "err", err)
		return nil
	}
	if payload.EventType == "" || payload.CreatedAt == "" {
		s.logger.Error("missing auth audit fields")
		return nil
	}
	createdAt, err := time.Parse(time.RFC3339, payload.CreatedAt)
	if err != nil {
		s.logger.Error("invalid auth audit created_at", "err", err)
		return nil
	}

	if err := s.repo.RecordSecurityAudit(ctx, payload.EventType, payload.ActorID, payload.Metadata, createdAt); err != nil {
		s.logger.Error("failed to write security audit event", "err", err)
		return err
	}
	s.logger.Info("security audit recorded", "event_type", payload.EventType)
	return nil
}

func (s *metricsSink) handleBookingEvent(ctx context.Context, msg kafka.Message, bookedInc, canceledInc int) error {
	var payload struct {
		AppointmentID string `json:"appointment_id"`
		BusinessID    string `json:"business_id"`
		StartTime     string `json:"start_time"`
	}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		s.logger.Error("invalid booking payload", "err", err)
		return nil
	}
	if payload.AppointmentID == "" || payload.BusinessID == "" || payload.StartTime == "" {
		s.logger.Error("missing booking fields")
		return nil
	}
	startTime, err := time.Parse(time.RFC3339, payload.StartTime)
	if err != nil {
		s.logger.Error("invalid start_time", "err", err)
		return nil
	}

	meta := kafkax.ExtractEventMeta(msg)
	if err := s.repo.ApplyBookingEvent(ctx, metrics.BookingEvent{
		EventID:       meta.EventID,
		EventType:     meta.EventType,
		BusinessID:    payload.BusinessID,
		AppointmentID: payload.AppointmentID,
		OccurredAt:    startTime,
		BookedInc:     bookedInc,
		CanceledInc:   canceledInc,
	}); err != nil {
		s.logger.Error("failed to write booking metric", "err", err)
		return err
	}
	s.logger.Info("booking metric recorded", "appointment_id", payload.AppointmentID, "business_id", payload.BusinessID, "event_type", meta.EventType)
	return nil
}

func (s *metricsSink) handleCycleCompleted(ctx context.Context, raw []byte) error {
	var payload struct {
		CycleID        string `json:"cycle_id"`
		BusinessID     string `json:"business_id"`
		PeriodEnd      string `json:"period_end"`
		TotalCostCents int64  `json:"total_cost_cents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Error("invalid cycle payload", "err", err)
		return nil
	}
	if payload.CycleID == "" || payload.BusinessID == "" || payload.PeriodEnd == "" {
		s.logger.Error("missing cycle fields")
		return nil
	}
	periodEnd, err := time.Parse(time.RFC3339, payload.PeriodEnd)
	if err != nil {
		s.logger.Error("invalid period_end", "err", err)
		return nil
	}

	if err := s.repo.BumpDailyRevenue(ctx, payload.BusinessID, periodEnd, payload.TotalCostCents); err != nil {
		s.logger.Error("failed to write revenue metric", "err", err)
		return err
	}
	s.logger.Info("revenue metric recorded", "cycle_id", payload.CycleID, "business_id", payload.BusinessID)
	return nil
}
