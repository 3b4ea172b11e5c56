package appointment

import (
	"errors"
	"time"
)

// Status is the appointment lifecycle state. Transitions are enforced by the
// aggregate methods; nothing else should write Status.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Relationship tags who booked on the client's behalf.
type Relationship string

const (
	RelationshipParent       Relationship = "PARENT"
	RelationshipSpouse       Relationship = "SPOUSE"
	RelationshipSibling      Relationship = "SIBLING"
	RelationshipChild        Relationship = "CHILD"
	RelationshipGuardian     Relationship = "GUARDIAN"
	RelationshipFamilyMember Relationship = "FAMILY_MEMBER"
	RelationshipOther        Relationship = "OTHER"
)

// ParseRelationship validates an incoming relationship tag.
func ParseRelationship(raw string) (Relationship, bool) {
	switch r := Relationship(raw); r {
	case RelationshipParent, RelationshipSpouse, RelationshipSibling,
		RelationshipChild, RelationshipGuardian, RelationshipFamilyMember,
		RelationshipOther:
		return r, true
	}
	return "", false
}

// TimeSlot is a half-open [Start, End) interval. End is strictly after Start.
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

var ErrInvalidTimeSlot = errors.New("time slot end must be after start")

func NewTimeSlot(start, end time.Time) (TimeSlot, error) {
	if !end.After(start) {
		return TimeSlot{}, ErrInvalidTimeSlot
	}
	return TimeSlot{Start: start.UTC(), End: end.UTC()}, nil
}

// DurationMinutes returns the slot length in whole minutes.
func (s TimeSlot) DurationMinutes() int {
	return int(s.End.Sub(s.Start) / time.Minute)
}

// Overlaps reports whether two half-open slots intersect.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// BookedBy records a proxy booking: someone books for the client being
// served. RelationshipDescription is mandatory only for OTHER.
type BookedBy struct {
	Relationship            Relationship
	RelationshipDescription string
}

// ClientInfo holds the person served by the appointment. BookedBy is nil for
// self-service bookings.
type ClientInfo struct {
	Name     string
	Email    string
	Phone    string
	BookedBy *BookedBy
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Pricing is a snapshot taken at booking time; later service price changes
// do not retroactively alter an appointment. Amounts are in cents.
type Pricing struct {
	BasePriceCents   int64
	TotalAmountCents int64
	PaymentStatus    PaymentStatus
}

// Note is an annotation on the appointment. Private notes are staff-only.
type Note struct {
	ID        string
	AuthorID  string
	Content   string
	Private   bool
	CreatedAt time.Time
}
