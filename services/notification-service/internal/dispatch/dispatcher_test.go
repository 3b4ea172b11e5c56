package dispatch

import (
	"strings"
	"testing"
)

func TestReminderContent(t *testing.T) {
	subject, body := reminderContent(reminderPayload{
		AppointmentID: "appt-1",
		RemindAt:      "2026-09-01T10:00:00Z",
		TemplateData: map[string]any{
			"client_name":   "Ada",
			"business_name": "Glow Studio",
			"start_time":    "2026-09-01T11:00:00Z",
		},
	})
	if subject != "Appointment reminder" {
		t.Fatalf("unexpected subject: %q", subject)
	}
	if !strings.HasPrefix(body, "[Glow Studio]") {
		t.Fatalf("expected business prefix, got %q", body)
	}
	if !strings.Contains(body, "Hi Ada.") {
		t.Fatalf("expected client greeting, got %q", body)
	}
	if !strings.Contains(body, "2026-09-01T11:00:00Z") {
		t.Fatalf("expected start time in body, got %q", body)
	}
}

func TestReminderContentWithoutTemplateData(t *testing.T) {
	_, body := reminderContent(reminderPayload{
		AppointmentID: "appt-2",
		RemindAt:      "2026-09-01T10:00:00Z",
	})
	if !strings.Contains(body, "appt-2") || !strings.Contains(body, "2026-09-01T10:00:00Z") {
		t.Fatalf("expected fallback body with id and remind_at, got %q", body)
	}
}

func TestConfirmationDeliveries(t *testing.T) {
	both := confirmationDeliveries(confirmationPayload{
		AppointmentID: "appt-3",
		BusinessID:    "biz-1",
		ClientEmail:   "ada@example.com",
		ClientPhone:   "+15550100",
		StartTime:     "2026-09-02T09:00:00Z",
	})
	if len(both) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(both))
	}
	if both[0].channel != "email" || both[0].recipient != "ada@example.com" {
		t.Fatalf("unexpected email delivery: %+v", both[0])
	}
	if both[1].channel != "sms" || both[1].recipient != "+15550100" {
		t.Fatalf("unexpected sms delivery: %+v", both[1])
	}
	if !strings.Contains(both[0].body, "2026-09-02T09:00:00Z") {
		t.Fatalf("expected start time in body, got %q", both[0].body)
	}

	emailOnly := confirmationDeliveries(confirmationPayload{
		AppointmentID: "appt-4",
		BusinessID:    "biz-1",
		ClientEmail:   "ada@example.com",
	})
	if len(emailOnly) != 1 || emailOnly[0].channel != "email" {
		t.Fatalf("expected single email delivery, got %+v", emailOnly)
	}

	none := confirmationDeliveries(confirmationPayload{AppointmentID: "appt-5", BusinessID: "biz-1"})
	if len(none) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(none))
	}
}
