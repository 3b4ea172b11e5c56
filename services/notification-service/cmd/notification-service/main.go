package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/config"
	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/libs/httpx"
	"github.com/agendly/agendly/libs/kafkax"
	otelx "github.com/agendly/agendly/libs/otel"
	"github.com/agendly/agendly/libs/runtime"
	"github.com/agendly/agendly/services/notification-service/internal/dispatch"
	"github.com/agendly/agendly/services/notification-service/internal/email"
	"github.com/agendly/agendly/services/notification-service/internal/sms"
	"github.com/agendly/agendly/services/notification-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := events.NewOutboxRepository(pool)
	outboxPublisher := events.NewPublisher(pool, outboxRepo, logger, events.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@agendly.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	smsProvider := strings.ToLower(config.String("SMS_PROVIDER", "noop"))
	smsWebhookURL := config.String("SMS_WEBHOOK_URL", "")
	smsWebhookToken := config.String("SMS_WEBHOOK_TOKEN", "")
	var smsSender sms.Sender
	switch smsProvider {
	case "webhook":
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	case "noop":
		smsSender = sms.NewNoopSender()
	default:
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	}

	dispatcher := dispatch.New(pool, notificationsRepo, outboxRepo, emailSender, smsSender, logger,
		config.String("NOTIFICATION_FAIL_SUFFIX", ""))

	eventConsumer := events.NewConsumer(logger, inboxRepo, events.ConsumerConfig{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics: []string{
			"scheduler.reminder.due.v1",
			"booking.appointment.confirmed.v1",
		},
	}, dispatcher.HandleMessage)
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
		if businessID == "" {
			http.Error(w, "business_id is required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := notificationsRepo.ListRecent(r.Context(), businessID, limit)
		if err != nil {
			logger.Error("failed to list notifications", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, n := range items {
			out = append(out, map[string]any{
				"id":             n.ID,
				"appointment_id": n.AppointmentID,
				"business_id":    n.BusinessID,
				"kind":           n.Kind,
				"channel":        n.Channel,
				"recipient":      n.Recipient,
				"status":         n.Status,
				"provider_id":    n.ProviderID,
				"failure_reason": n.FailureReason,
				"created_at":     n.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"notifications": out})
	})

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
