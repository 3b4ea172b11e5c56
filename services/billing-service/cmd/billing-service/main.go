package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/agendly/agendly/libs/config"
	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/libs/httpx"
	"github.com/agendly/agendly/libs/kafkax"
	otelx "github.com/agendly/agendly/libs/otel"
	"github.com/agendly/agendly/libs/runtime"
	"github.com/agendly/agendly/services/billing-service/internal/cycle"
	"github.com/agendly/agendly/services/billing-service/internal/handlers"
	"github.com/agendly/agendly/services/billing-service/internal/payment"
	"github.com/agendly/agendly/services/billing-service/internal/reconcile"
	"github.com/agendly/agendly/services/billing-service/internal/storage"
	"github.com/agendly/agendly/services/billing-service/internal/subscriptions"
	"github.com/agendly/agendly/services/billing-service/internal/usage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8084")
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

	repo := storage.NewRepository(pool)
	outboxRepo := events.NewOutboxRepository(pool)
	subSvc := subscriptions.New(repo, outboxRepo)
	outboxPublisher := events.NewPublisher(pool, outboxRepo, logger, events.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	// Settles due billing cycles and opens the next period.
	processor := cycle.NewProcessor(pool, repo, outboxRepo, payment.NewLedgerCharger(), logger, cycle.ProcessorConfig{
		Interval:     config.DurationSeconds("BILLING_CYCLE_INTERVAL_SECONDS", time.Minute),
		BatchSize:    config.Int("BILLING_CYCLE_BATCH_SIZE", 20),
		RetryBackoff: config.DurationSeconds("BILLING_CYCLE_RETRY_BACKOFF_SECONDS", 15*time.Minute),
		MaxRetries:   config.Int("BILLING_CYCLE_MAX_RETRIES", 3),
	})
	go processor.Run(ctx)

	// Usage events from the other services accumulate into the open cycle.
	if brokers != "" {
		recorder := usage.NewRecorder(pool, repo, logger)
		consumer := events.NewConsumer(logger, events.NewInboxRepository(pool), events.ConsumerConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "billing-service"),
			Topics:  []string{"notification.sent.v1", "gateway.api.usage.v1", "business.snapshot.v1"},
		}, recorder.HandleMessage)
		go consumer.Run(ctx)
	} else {
		logger.Warn("usage consumer disabled: KAFKA_BROKERS missing")
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	h := handlers.New(repo, outboxRepo, logger, handlers.Config{
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
		StripeSecretKey:               config.String("STRIPE_SECRET_KEY", ""),
		StripePriceStarter:            config.String("STRIPE_PRICE_STARTER", ""),
		StripePricePro:                config.String("STRIPE_PRICE_PRO", ""),
		CheckoutSuccessURL:            config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:             config.String("CHECKOUT_CANCEL_URL", ""),
	})
	mux.HandleFunc("/api/v1/billing/checkout", h.Checkout)
	mux.HandleFunc("/api/v1/billing/checkout/session", h.CheckoutSessionStatus)
	mux.HandleFunc("/api/v1/billing/checkout/session/ack", h.AckCheckoutReturn)
	mux.HandleFunc("/api/v1/billing/subscription", h.GetSubscription)
	mux.HandleFunc("/api/v1/billing/subscription/cancel", h.CancelSubscription)
	mux.HandleFunc("/api/v1/billing/cycles", h.ListCycles)
	mux.HandleFunc("/api/v1/billing/cycles/get", h.GetCycle)
	mux.HandleFunc("/api/v1/billing/cycles/retry", h.RetryCycle)
	mux.HandleFunc("/api/v1/billing/cycles/refund", h.RefundCycle)
	mux.HandleFunc("/api/v1/billing/cycles/forecast", h.ForecastCycle)
	mux.HandleFunc("/api/v1/billing/usage", h.RecordUsage)
	mux.HandleFunc("/api/v1/billing/webhooks/local", h.LocalWebhook)
	mux.HandleFunc("/api/v1/billing/webhooks/stripe", h.StripeWebhook)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "billing")
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

	// Stripe reconciliation: periodically self-heal subscription state if webhooks are missed.
	if config.Bool("BILLING_STRIPE_RECONCILE_ENABLED", false) {
		interval := config.DurationSeconds("BILLING_STRIPE_RECONCILE_INTERVAL_SECONDS", 5*time.Minute)
		lockKey, _ := strconv.ParseInt(config.String("BILLING_STRIPE_RECONCILE_LOCK_KEY", "4242001"), 10, 64)
		rec := reconcile.NewStripeReconciler(pool, repo, subSvc, logger, reconcile.StripeReconcilerConfig{
			StripeSecretKey: config.String("STRIPE_SECRET_KEY", ""),
			BatchSize:       config.Int("BILLING_STRIPE_RECONCILE_BATCH_SIZE", 50),
			AdvisoryLockKey: lockKey,
		})
		go rec.Run(ctx, interval)
	}

	if err := startGrpcServer(ctx, logger, pool); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
