package availability

import (
	"testing"
	"time"

	"github.com/agendly/agendly/services/booking-service/internal/appointment"
)

func TestAvailableSlots_Basic(t *testing.T) {
	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	windowStart := day.Add(9 * time.Hour)
	windowEnd := day.Add(10 * time.Hour)

	busy := []appointment.TimeSlot{
		{Start: day.Add(9*time.Hour + 15*time.Minute), End: day.Add(9*time.Hour + 45*time.Minute)},
	}

	slots := AvailableSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, busy, day)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	if !slots[1].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Format(time.RFC3339))
	}
}

func TestAvailableSlots_SkipsPastStarts(t *testing.T) {
	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	windowStart := day.Add(9 * time.Hour)
	windowEnd := day.Add(10 * time.Hour)

	now := day.Add(9*time.Hour + 31*time.Minute)
	slots := AvailableSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, nil, now)
	// 09:00..09:30 start in the past; only 09:45 survives.
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Format(time.RFC3339))
	}
}

func TestAvailableSlots_DurationLongerThanWindow(t *testing.T) {
	day := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	if slots := AvailableSlots(day, day.Add(30*time.Minute), time.Hour, 15*time.Minute, nil, day); slots != nil {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestFitsWithin(t *testing.T) {
	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	windows := []appointment.TimeSlot{
		{Start: day.Add(9 * time.Hour), End: day.Add(12 * time.Hour)},
		{Start: day.Add(14 * time.Hour), End: day.Add(18 * time.Hour)},
	}

	inside := appointment.TimeSlot{Start: day.Add(15 * time.Hour), End: day.Add(16 * time.Hour)}
	if !FitsWithin(inside, windows) {
		t.Fatal("expected slot inside afternoon window to fit")
	}

	spanning := appointment.TimeSlot{Start: day.Add(11 * time.Hour), End: day.Add(15 * time.Hour)}
	if FitsWithin(spanning, windows) {
		t.Fatal("slot spanning the lunch gap must not fit")
	}
}
