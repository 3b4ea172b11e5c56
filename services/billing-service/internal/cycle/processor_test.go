package cycle

import (
	"errors"
	"testing"
)

func TestFailureReasonFallsBackWhenBlank(t *testing.T) {
	if got := failureReason(errors.New("")); got != "payment failed" {
		t.Fatalf("expected fallback reason, got %q", got)
	}
	if got := failureReason(errors.New("   ")); got != "payment failed" {
		t.Fatalf("expected fallback reason for whitespace message, got %q", got)
	}
	if got := failureReason(errors.New("card declined")); got != "card declined" {
		t.Fatalf("expected original reason, got %q", got)
	}
}
