//go:build protogen

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/agendly/agendly/libs/grpcx"
	businessv1 "github.com/agendly/agendly/protos/gen/business/v1"
)

type grpcProvider struct {
	client   businessv1.BusinessServiceClient
	fallback Provider
}

func NewBusinessPolicyProvider(logger *slog.Logger, offsets []time.Duration, requireRelationship bool, addr string) (Provider, error) {
	static := NewStaticProvider(offsets, requireRelationship)
	if addr == "" {
		return static, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc policy provider unavailable, using fallback", "err", err)
		return static, nil
	}

	logger.Info("grpc policy provider enabled", "addr", addr)
	return &grpcProvider{client: businessv1.NewBusinessServiceClient(conn), fallback: static}, nil
}

func (p *grpcProvider) ReminderOffsets(ctx context.Context, businessID string) ([]time.Duration, error) {
	resp, err := p.client.GetBusinessProfile(ctx, &businessv1.BusinessProfileRequest{BusinessId: businessID})
	if err != nil {
		return nil, err
	}
	var offsets []time.Duration
	for _, mins := range resp.GetReminderPolicy().GetReminderOffsetsMinutes() {
		if mins <= 0 {
			continue
		}
		offsets = append(offsets, time.Duration(mins)*time.Minute)
	}
	return offsets, nil
}

func (p *grpcProvider) RequireKnownRelationship(ctx context.Context, businessID string) (bool, error) {
	resp, err := p.client.GetBusinessProfile(ctx, &businessv1.BusinessProfileRequest{BusinessId: businessID})
	if err != nil {
		return p.fallback.RequireKnownRelationship(ctx, businessID)
	}
	return resp.GetBookingPolicy().GetRequireKnownRelationship(), nil
}
