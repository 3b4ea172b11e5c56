package appointment

import (
	"testing"
	"time"
)

func newTestAppointment(t *testing.T) Appointment {
	t.Helper()
	slot, err := NewTimeSlot(
		time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 9, 45, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("NewTimeSlot failed: %v", err)
	}
	appt, err := New(NewParams{
		BusinessID: "biz-1",
		CalendarID: "cal-1",
		ServiceID:  "svc-1",
		StaffID:    "staff-1",
		Slot:       slot,
		Client:     ClientInfo{Name: "Ada Martin", Email: "ada@example.com", Phone: "+33600000000"},
		Pricing:    Pricing{BasePriceCents: 4500, TotalAmountCents: 4500, PaymentStatus: PaymentPending},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return appt
}

func TestNewTimeSlot_RejectsInvertedAndEqual(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if _, err := NewTimeSlot(at, at); err == nil {
		t.Fatal("expected error for end == start")
	}
	if _, err := NewTimeSlot(at, at.Add(-time.Minute)); err == nil {
		t.Fatal("expected error for end before start")
	}
	if _, err := NewTimeSlot(at, at.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid slot, got %v", err)
	}
}

func TestNew_StartsRequested(t *testing.T) {
	appt := newTestAppointment(t)
	if appt.Status != StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", appt.Status)
	}
	if appt.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestConfirm_OnlyFromRequested(t *testing.T) {
	appt := newTestAppointment(t)

	confirmed, err := appt.Confirm()
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", confirmed.Status)
	}

	if _, err := confirmed.Confirm(); err == nil {
		t.Fatal("expected second Confirm to fail")
	} else if !IsStateError(err) {
		t.Fatalf("expected StateError, got %T", err)
	}
}

func TestConfirm_LeavesReceiverUntouched(t *testing.T) {
	appt := newTestAppointment(t)
	if _, err := appt.Confirm(); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if appt.Status != StatusRequested {
		t.Fatalf("receiver mutated: status %s", appt.Status)
	}
}

func TestCancel_FromRequestedAndConfirmed(t *testing.T) {
	appt := newTestAppointment(t)

	cancelled, err := appt.Cancel("client no-show")
	if err != nil {
		t.Fatalf("Cancel from REQUESTED failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if len(cancelled.Notes) != 1 {
		t.Fatalf("expected cancellation note, got %d notes", len(cancelled.Notes))
	}

	confirmed, err := appt.Confirm()
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if _, err := confirmed.Cancel(""); err != nil {
		t.Fatalf("Cancel from CONFIRMED failed: %v", err)
	}
}

func TestCancel_RejectedFromTerminalStates(t *testing.T) {
	appt := newTestAppointment(t)

	cancelled, _ := appt.Cancel("")
	if _, err := cancelled.Cancel(""); err == nil {
		t.Fatal("expected Cancel from CANCELLED to fail")
	}

	confirmed, _ := appt.Confirm()
	completed, err := confirmed.Complete()
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := completed.Cancel(""); err == nil {
		t.Fatal("expected Cancel from COMPLETED to fail")
	}
}

func TestCancel_WithoutReasonAddsNoNote(t *testing.T) {
	appt := newTestAppointment(t)
	cancelled, err := appt.Cancel("   ")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(cancelled.Notes) != 0 {
		t.Fatalf("expected no note for blank reason, got %d", len(cancelled.Notes))
	}
}

func TestComplete_RequiresConfirmed(t *testing.T) {
	appt := newTestAppointment(t)

	if _, err := appt.Complete(); err == nil {
		t.Fatal("expected Complete from REQUESTED to fail")
	}

	confirmed, _ := appt.Confirm()
	completed, err := confirmed.Complete()
	if err != nil {
		t.Fatalf("Complete from CONFIRMED failed: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	if _, err := completed.Complete(); err == nil {
		t.Fatal("expected Complete from COMPLETED to fail")
	}
}

func TestAddNote_AppendOnlyAndAnyStatus(t *testing.T) {
	appt := newTestAppointment(t)
	confirmed, _ := appt.Confirm()
	completed, _ := confirmed.Complete()

	withNote, err := completed.AddNote("staff-1", "follow-up booked", true)
	if err != nil {
		t.Fatalf("AddNote on COMPLETED failed: %v", err)
	}
	if len(withNote.Notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(withNote.Notes))
	}
	if len(completed.Notes) != 0 {
		t.Fatal("receiver notes mutated")
	}
	note := withNote.Notes[0]
	if note.ID == "" || note.AuthorID != "staff-1" || !note.Private {
		t.Fatalf("unexpected note: %+v", note)
	}

	if _, err := withNote.AddNote("", "x", false); err == nil {
		t.Fatal("expected error for empty author")
	}
	if _, err := withNote.AddNote("staff-1", "  ", false); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestAddNote_DoesNotShareBackingArray(t *testing.T) {
	appt := newTestAppointment(t)
	one, err := appt.AddNote("staff-1", "first", false)
	if err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}
	two, err := one.AddNote("staff-1", "second", false)
	if err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}
	three, err := one.AddNote("staff-1", "third", false)
	if err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}
	if two.Notes[1].Content != "second" || three.Notes[1].Content != "third" {
		t.Fatalf("siblings share note storage: %q vs %q", two.Notes[1].Content, three.Notes[1].Content)
	}
}

func TestCanBeModified(t *testing.T) {
	appt := newTestAppointment(t)
	if !appt.CanBeModified() {
		t.Fatal("REQUESTED should be modifiable")
	}
	confirmed, _ := appt.Confirm()
	if !confirmed.CanBeModified() {
		t.Fatal("CONFIRMED should be modifiable")
	}
	cancelled, _ := appt.Cancel("")
	if cancelled.CanBeModified() {
		t.Fatal("CANCELLED should not be modifiable")
	}
	completed, _ := confirmed.Complete()
	if completed.CanBeModified() {
		t.Fatal("COMPLETED should not be modifiable")
	}
}

func TestIsFutureAndDuration(t *testing.T) {
	appt := newTestAppointment(t)
	if !appt.IsFuture(appt.Slot.Start.Add(-time.Hour)) {
		t.Fatal("expected future before start")
	}
	if appt.IsFuture(appt.Slot.Start) {
		t.Fatal("slot starting now is not future")
	}
	if appt.IsFuture(appt.Slot.Start.Add(time.Minute)) {
		t.Fatal("started slot is not future")
	}
	if got := appt.DurationMinutes(); got != 45 {
		t.Fatalf("expected 45 minutes, got %d", got)
	}
}

func TestFamilyRelationship(t *testing.T) {
	appt := newTestAppointment(t)

	if appt.IsBookedForFamilyMember() {
		t.Fatal("no proxy record expected")
	}
	if !appt.HasValidFamilyRelationship() {
		t.Fatal("no proxy record should be vacuously valid")
	}

	appt.Client.BookedBy = &BookedBy{Relationship: RelationshipParent}
	if !appt.IsBookedForFamilyMember() || !appt.HasValidFamilyRelationship() {
		t.Fatal("PARENT without description should be valid")
	}

	appt.Client.BookedBy = &BookedBy{Relationship: RelationshipOther, RelationshipDescription: "Voisin proche"}
	if !appt.HasValidFamilyRelationship() {
		t.Fatal("OTHER with description should be valid")
	}

	appt.Client.BookedBy = &BookedBy{Relationship: RelationshipOther}
	if !appt.IsBookedForFamilyMember() {
		t.Fatal("proxy record expected")
	}
	if appt.HasValidFamilyRelationship() {
		t.Fatal("OTHER without description should be invalid")
	}

	appt.Client.BookedBy = &BookedBy{Relationship: RelationshipOther, RelationshipDescription: "   "}
	if appt.HasValidFamilyRelationship() {
		t.Fatal("blank description should be invalid")
	}
}

func TestStateErrorMessageNamesStatus(t *testing.T) {
	appt := newTestAppointment(t)
	cancelled, _ := appt.Cancel("")
	_, err := cancelled.Confirm()
	if err == nil {
		t.Fatal("expected error")
	}
	want := "cannot confirm appointment with status CANCELLED"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestSlotOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a := TimeSlot{Start: base, End: base.Add(30 * time.Minute)}
	b := TimeSlot{Start: base.Add(15 * time.Minute), End: base.Add(45 * time.Minute)}
	c := TimeSlot{Start: base.Add(30 * time.Minute), End: base.Add(60 * time.Minute)}

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatal("expected overlap")
	}
	// Half-open: back-to-back slots do not conflict.
	if a.Overlaps(c) {
		t.Fatal("adjacent slots should not overlap")
	}
}
