//go:build !protogen

package main

import (
	"context"
	"log/slog"
	"net/http"
)

func setupEntitlementsRoutes(_ context.Context, _ *http.ServeMux, _ *slog.Logger) {
	// The gRPC entitlements debug route needs generated proto code; builds
	// without the protogen tag rely on the Kafka-fed local cache instead.
}
