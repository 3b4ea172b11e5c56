package usage

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWrapCountsPerBusiness(t *testing.T) {
	m := NewMeter("", time.Minute, slog.Default())
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/business", nil)
		req.Header.Set("X-Business-Id", "biz-1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/business", nil)
	req.Header.Set("X-Business-Id", "biz-2")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// No business header, must not be counted.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com/healthz", nil))

	batch := m.drain()
	if batch["biz-1"] != 3 {
		t.Fatalf("expected 3 calls for biz-1, got %d", batch["biz-1"])
	}
	if batch["biz-2"] != 1 {
		t.Fatalf("expected 1 call for biz-2, got %d", batch["biz-2"])
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 businesses, got %d", len(batch))
	}
}

func TestDrainResetsCounts(t *testing.T) {
	m := NewMeter("", time.Minute, slog.Default())
	m.record("biz-1")
	if batch := m.drain(); batch["biz-1"] != 1 {
		t.Fatalf("expected 1 call, got %d", batch["biz-1"])
	}
	if batch := m.drain(); batch != nil {
		t.Fatalf("expected empty batch after drain, got %v", batch)
	}
}

func TestRestorePreservesFailedFlush(t *testing.T) {
	m := NewMeter("", time.Minute, slog.Default())
	m.record("biz-1")
	batch := m.drain()
	m.restore("biz-1", batch["biz-1"])
	m.record("biz-1")
	if batch := m.drain(); batch["biz-1"] != 2 {
		t.Fatalf("expected restored plus new count 2, got %d", batch["biz-1"])
	}
}
