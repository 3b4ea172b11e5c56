package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agendly/agendly/libs/config"
	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/libs/httpx"
	"github.com/agendly/agendly/libs/kafkax"
	otelx "github.com/agendly/agendly/libs/otel"
	"github.com/agendly/agendly/libs/runtime"
	"github.com/agendly/agendly/services/scheduler-service/internal/jobs"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduler-service")
	port, err := config.Port("PORT", "8087")
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

	brokers := config.String("KAFKA_BROKERS", "")

	inboxRepo := events.NewInboxRepository(pool)
	jobRepo := jobs.NewRepository()
	outboxRepo := events.NewOutboxRepository(pool)

	outboxPublisher := events.NewPublisher(pool, outboxRepo, logger, events.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  2 * time.Second,
		BatchSize: 50,
		Backoff:   config.DurationSeconds("SCHEDULER_BACKOFF_SECONDS", time.Minute),
	})
	go jobWorker.Run(ctx)

	type reminderRequest struct {
		AppointmentID string         `json:"appointment_id"`
		BusinessID    string         `json:"business_id"`
		Channel       string         `json:"channel"`
		Recipient     string         `json:"recipient"`
		RemindAt      string         `json:"remind_at"`
		TemplateData  map[string]any `json:"template_data"`
	}

	type cancelledEvent struct {
		AppointmentID string `json:"appointment_id"`
	}

	eventConsumer := events.NewConsumer(logger, inboxRepo, events.ConsumerConfig{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "scheduler-service"),
		Topics:  []string{"booking.reminder.requested.v1", "booking.appointment.cancelled.v1"},
	}, func(ctx context.Context, msg kafka.Message) error {
		switch msg.Topic {
		case "booking.appointment.cancelled.v1":
			var evt cancelledEvent
			if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.AppointmentID == "" {
				logger.Error("invalid cancellation event", "err", err)
				return nil
			}
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback(ctx) }()

			n, err := jobRepo.CancelForAppointment(ctx, tx, evt.AppointmentID)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("cancelled pending reminders", "appointment_id", evt.AppointmentID, "count", n)
			}
			return tx.Commit(ctx)

		default:
			var payload reminderRequest
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid reminder request", "err", err)
				return nil
			}
			if payload.AppointmentID == "" || payload.BusinessID == "" || payload.Channel == "" || payload.Recipient == "" || payload.RemindAt == "" {
				logger.Error("missing reminder fields")
				return nil
			}
			remindAt, err := time.Parse(time.RFC3339, payload.RemindAt)
			if err != nil {
				logger.Error("invalid remind_at", "err", err)
				return nil
			}

			idempotencyKey := payload.AppointmentID + "|" + payload.RemindAt + "|" + payload.Channel

			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback(ctx) }()

			if err := jobRepo.Insert(ctx, tx, jobs.Job{
				IdempotencyKey: idempotencyKey,
				AppointmentID:  payload.AppointmentID,
				BusinessID:     payload.BusinessID,
				Channel:        payload.Channel,
				Recipient:      payload.Recipient,
				RemindAt:       remindAt,
				TemplateData:   payload.TemplateData,
			}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduler")
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
