package usage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
)

// A recorder with no pool panics if a dropped message reaches storage, so
// these tests double as proof the drop happens before any database work.
func dropOnlyRecorder() *Recorder {
	return NewRecorder(nil, nil, slog.Default())
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	rec := dropOnlyRecorder()
	msg := kafka.Message{Topic: "notification.sent.v1", Value: []byte("{not json")}
	if err := rec.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("expected malformed payload to be dropped, got %v", err)
	}
}

func TestHandleMessageDropsNonPositiveNotificationCount(t *testing.T) {
	rec := dropOnlyRecorder()

	zero := kafka.Message{Topic: "notification.sent.v1", Value: []byte(`{"business_id":"biz-1","count":0}`)}
	if err := rec.HandleMessage(context.Background(), zero); err != nil {
		t.Fatalf("expected zero count to be dropped, got %v", err)
	}

	negative := kafka.Message{Topic: "notification.sent.v1", Value: []byte(`{"business_id":"biz-1","count":-2}`)}
	if err := rec.HandleMessage(context.Background(), negative); err != nil {
		t.Fatalf("expected negative count to be dropped, got %v", err)
	}
}

func TestHandleMessageDropsNonPositiveAPICalls(t *testing.T) {
	rec := dropOnlyRecorder()
	msg := kafka.Message{Topic: "gateway.api.usage.v1", Value: []byte(`{"business_id":"biz-1","calls":0}`)}
	if err := rec.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("expected zero calls to be dropped, got %v", err)
	}
}

func TestHandleMessageIgnoresUnknownTopic(t *testing.T) {
	rec := dropOnlyRecorder()
	msg := kafka.Message{Topic: "some.other.topic.v1", Value: []byte(`{}`)}
	if err := rec.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("expected unknown topic to be ignored, got %v", err)
	}
}
