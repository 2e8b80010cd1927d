package server

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	flagz "github.com/matt-riley/flagz-sdk"
)

// HealthServiceName is the gRPC health service name reported by the relay
// in addition to the overall ("") status.
const HealthServiceName = "flagz.relay"

// NewHealthServer returns a gRPC health server tracking src. Status is
// SERVING once a configuration has been fetched and NOT_SERVING before that
// or after the SDK key is rejected. The returned stop function detaches it
// from src.
func NewHealthServer(src HealthSource) (*health.Server, func()) {
	hs := health.NewServer()
	update := func() {
		status := healthStatus(src)
		hs.SetServingStatus("", status)
		hs.SetServingStatus(HealthServiceName, status)
	}

	unsubscribe := src.OnInitialized(func(flagz.InitializedEvent) { update() })
	update()
	return hs, unsubscribe
}

func healthStatus(src HealthSource) healthpb.HealthCheckResponse_ServingStatus {
	if src.Disabled() || !src.Initialized() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
