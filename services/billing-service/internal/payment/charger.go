package payment

import (
	"context"
	"errors"
	"fmt"
)

// Charge is one settlement request for a closed billing cycle.
type Charge struct {
	BusinessID  string
	CycleID     string
	AmountCents int64
	Provider    string // local | stripe
}

// Charger collects payment for a cycle. Implementations must be safe to
// retry: the processor re-submits the same cycle after a failure.
type Charger interface {
	Charge(ctx context.Context, c Charge) error
}

var ErrNegativeAmount = errors.New("charge amount must not be negative")

// LedgerCharger settles cycles without moving money. Free-tier and
// locally-provisioned subscriptions have nothing to collect, and
// Stripe-provisioned subscriptions are invoiced by Stripe itself; in both
// cases settling the ledger is the whole job.
type LedgerCharger struct{}

func NewLedgerCharger() *LedgerCharger {
	return &LedgerCharger{}
}

func (LedgerCharger) Charge(_ context.Context, c Charge) error {
	if c.AmountCents < 0 {
		return fmt.Errorf("cycle %s: %w", c.CycleID, ErrNegativeAmount)
	}
	return nil
}
