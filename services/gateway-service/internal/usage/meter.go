package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agendly/agendly/libs/kafkax"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Meter counts proxied API calls per business and flushes the totals to
// Kafka on an interval. Counts live in memory between flushes; a crashed
// gateway loses at most one window, which is acceptable for metering.
type Meter struct {
	mu       sync.Mutex
	counts   map[string]int64
	writer   *kafka.Writer
	logger   *slog.Logger
	interval time.Duration
}

func NewMeter(brokers string, interval time.Duration, logger *slog.Logger) *Meter {
	if interval <= 0 {
		interval = time.Minute
	}
	m := &Meter{
		counts:   make(map[string]int64),
		logger:   logger,
		interval: interval,
	}
	if parsed := kafkax.SplitBrokers(brokers); len(parsed) > 0 {
		m.writer = &kafka.Writer{
			Addr:     kafka.TCP(parsed...),
			Topic:    "gateway.api.usage.v1",
			Balancer: &kafka.Hash{},
		}
	}
	return m
}

// Wrap counts a request against the business resolved by the auth layer.
// Requests without an X-Business-Id header pass through unmetered.
func (m *Meter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if businessID := r.Header.Get("X-Business-Id"); businessID != "" {
			m.record(businessID)
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Meter) record(businessID string) {
	m.mu.Lock()
	m.counts[businessID]++
	m.mu.Unlock()
}

func (m *Meter) Run(ctx context.Context) {
	if m.writer == nil {
		m.logger.Warn("api usage metering disabled (no kafka brokers configured)")
		return
	}
	defer m.writer.Close()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			m.flush(ctx)
		}
	}
}

func (m *Meter) flush(ctx context.Context) {
	batch := m.drain()
	if len(batch) == 0 {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for businessID, calls := range batch {
		payload, err := json.Marshal(map[string]any{
			"business_id": businessID,
			"calls":       calls,
			"window_end":  now,
		})
		if err != nil {
			m.logger.Error("failed to build usage payload", "err", err)
			continue
		}
		msg := kafka.Message{
			Key:   []byte(businessID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(uuid.NewString())},
				{Key: "event_type", Value: []byte("gateway.api.usage.v1")},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
		if err := m.writer.WriteMessages(ctx, msg); err != nil {
			// Put the counts back so the next window carries them.
			m.logger.Error("failed to publish usage", "err", err, "business_id", businessID)
			m.restore(businessID, calls)
		}
	}
}

func (m *Meter) drain() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.counts) == 0 {
		return nil
	}
	batch := m.counts
	m.counts = make(map[string]int64)
	return batch
}

func (m *Meter) restore(businessID string, calls int64) {
	m.mu.Lock()
	m.counts[businessID] += calls
	m.mu.Unlock()
}
