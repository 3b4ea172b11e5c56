package availability

import (
	"time"

	"github.com/agendly/agendly/services/booking-service/internal/appointment"
)

// AvailableSlots returns slot start times within [windowStart, windowEnd)
// where a booking of length duration would not conflict with any busy slot.
// Past starts (before now) are skipped.
//
// All times are expected to share one location.
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []appointment.TimeSlot, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var starts []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		candidate := appointment.TimeSlot{Start: t, End: t.Add(duration)}
		if !conflicts(candidate, busy) {
			starts = append(starts, t)
		}
	}
	return starts
}

// FitsWithin reports whether slot lies entirely inside one of the windows.
func FitsWithin(slot appointment.TimeSlot, windows []appointment.TimeSlot) bool {
	for _, w := range windows {
		if !w.End.After(w.Start) {
			continue
		}
		if !slot.Start.Before(w.Start) && !slot.End.After(w.End) {
			return true
		}
	}
	return false
}

func conflicts(candidate appointment.TimeSlot, busy []appointment.TimeSlot) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}
