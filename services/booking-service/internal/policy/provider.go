package policy

import (
	"context"
	"time"
)

// Provider resolves per-business booking policy. Today that is the reminder
// schedule and whether proxy bookings must carry a known relationship.
type Provider interface {
	ReminderOffsets(ctx context.Context, businessID string) ([]time.Duration, error)
	RequireKnownRelationship(ctx context.Context, businessID string) (bool, error)
}

type staticProvider struct {
	offsets             []time.Duration
	requireRelationship bool
}

func NewStaticProvider(offsets []time.Duration, requireRelationship bool) Provider {
	return &staticProvider{offsets: offsets, requireRelationship: requireRelationship}
}

func (p *staticProvider) ReminderOffsets(_ context.Context, _ string) ([]time.Duration, error) {
	return p.offsets, nil
}

func (p *staticProvider) RequireKnownRelationship(_ context.Context, _ string) (bool, error) {
	return p.requireRelationship, nil
}
