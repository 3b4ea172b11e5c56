//go:build !protogen

package main

import (
	"context"
	"log/slog"

	"github.com/agendly/agendly/libs/db"
)

// The entitlements gRPC server needs generated proto bindings. In the
// default build the billing service serves HTTP only.
func startGrpcServer(_ context.Context, logger *slog.Logger, _ *db.Pool) error {
	logger.Info("grpc server disabled: build without protogen tag")
	return nil
}
