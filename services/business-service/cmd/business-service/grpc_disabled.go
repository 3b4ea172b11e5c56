//go:build !protogen

package main

import (
	"context"
	"log/slog"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/services/business-service/internal/storage"
)

func startGrpcServer(_ context.Context, _ *slog.Logger, _ *db.Pool, _ *storage.Repository) error {
	return nil
}
