package appointment

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Appointment is the booking aggregate. It is a plain value: every mutating
// method returns a new instance and leaves the receiver untouched, so a
// caller can hold the pre-mutation state for rollback or diffing. The
// aggregate does no I/O; persistence and conflict resolution live in the
// storage layer.
type Appointment struct {
	ID          string
	BusinessID  string
	CalendarID  string
	ServiceID   string
	StaffID     string // optional: empty means unassigned
	Slot        TimeSlot
	Client      ClientInfo
	Pricing     Pricing
	Status      Status
	Notes       []Note
	Title       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewParams carries everything needed to open an appointment request.
type NewParams struct {
	BusinessID  string
	CalendarID  string
	ServiceID   string
	StaffID     string
	Slot        TimeSlot
	Client      ClientInfo
	Pricing     Pricing
	Title       string
	Description string
}

var ErrMissingBusiness = errors.New("business id is required")

// New opens an appointment in REQUESTED state. The slot is re-validated here
// so an Appointment can never hold an inverted interval, even when the
// TimeSlot was built by hand.
func New(p NewParams) (Appointment, error) {
	if strings.TrimSpace(p.BusinessID) == "" {
		return Appointment{}, ErrMissingBusiness
	}
	if !p.Slot.End.After(p.Slot.Start) {
		return Appointment{}, ErrInvalidTimeSlot
	}

	now := time.Now().UTC()
	return Appointment{
		ID:          uuid.NewString(),
		BusinessID:  p.BusinessID,
		CalendarID:  p.CalendarID,
		ServiceID:   p.ServiceID,
		StaffID:     p.StaffID,
		Slot:        p.Slot,
		Client:      p.Client,
		Pricing:     p.Pricing,
		Status:      StatusRequested,
		Title:       p.Title,
		Description: p.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Confirm moves REQUESTED -> CONFIRMED.
func (a Appointment) Confirm() (Appointment, error) {
	if a.Status != StatusRequested {
		return Appointment{}, &StateError{Op: "confirm", Status: a.Status}
	}
	next := a.clone()
	next.Status = StatusConfirmed
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

// Cancel moves REQUESTED or CONFIRMED -> CANCELLED. A non-empty reason is
// kept as a note so the history survives alongside the status change.
func (a Appointment) Cancel(reason string) (Appointment, error) {
	if a.Status != StatusRequested && a.Status != StatusConfirmed {
		return Appointment{}, &StateError{Op: "cancel", Status: a.Status}
	}
	next := a.clone()
	next.Status = StatusCancelled
	next.UpdatedAt = time.Now().UTC()
	if reason = strings.TrimSpace(reason); reason != "" {
		next.Notes = append(next.Notes, Note{
			ID:        uuid.NewString(),
			AuthorID:  "system",
			Content:   "cancelled: " + reason,
			Private:   false,
			CreatedAt: next.UpdatedAt,
		})
	}
	return next, nil
}

// Complete moves CONFIRMED -> COMPLETED. A REQUESTED appointment must be
// confirmed first; completing it directly is rejected.
func (a Appointment) Complete() (Appointment, error) {
	if a.Status != StatusConfirmed {
		return Appointment{}, &StateError{Op: "complete", Status: a.Status}
	}
	next := a.clone()
	next.Status = StatusCompleted
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

// AddNote is permitted in any status, terminal ones included.
func (a Appointment) AddNote(authorID, content string, private bool) (Appointment, error) {
	if strings.TrimSpace(authorID) == "" {
		return Appointment{}, errors.New("note author is required")
	}
	if strings.TrimSpace(content) == "" {
		return Appointment{}, errors.New("note content is required")
	}
	next := a.clone()
	now := time.Now().UTC()
	next.Notes = append(next.Notes, Note{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Content:   content,
		Private:   private,
		CreatedAt: now,
	})
	next.UpdatedAt = now
	return next, nil
}

// CanBeModified is true while the appointment has not reached a terminal
// status.
func (a Appointment) CanBeModified() bool {
	return a.Status == StatusRequested || a.Status == StatusConfirmed
}

// IsFuture reports whether the slot has not started yet at now.
func (a Appointment) IsFuture(now time.Time) bool {
	return a.Slot.Start.After(now)
}

// DurationMinutes is the booked slot length in whole minutes.
func (a Appointment) DurationMinutes() int {
	return a.Slot.DurationMinutes()
}

// IsBookedForFamilyMember reports whether someone other than the client made
// the booking.
func (a Appointment) IsBookedForFamilyMember() bool {
	return a.Client.BookedBy != nil
}

// HasValidFamilyRelationship is vacuously true without a proxy booking.
// With one, every relationship tag is self-describing except OTHER, which
// needs a free-text description. This is advisory: construction does not
// reject an invalid combination, the booking flow checks it before
// confirmation.
func (a Appointment) HasValidFamilyRelationship() bool {
	bb := a.Client.BookedBy
	if bb == nil {
		return true
	}
	if bb.Relationship != RelationshipOther {
		return true
	}
	return strings.TrimSpace(bb.RelationshipDescription) != ""
}

// clone deep-copies the parts that alias memory (notes slice, proxy
// record) so old and new instances never share mutable state.
func (a Appointment) clone() Appointment {
	next := a
	if len(a.Notes) > 0 {
		next.Notes = make([]Note, len(a.Notes))
		copy(next.Notes, a.Notes)
	}
	if a.Client.BookedBy != nil {
		bb := *a.Client.BookedBy
		next.Client.BookedBy = &bb
	}
	return next
}
