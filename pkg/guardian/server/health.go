package server

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// HealthService is the service name reported by the health server
const HealthService = "guardian"

// HealthReporter mirrors the controller state into the gRPC health service.
// The service is NOT_SERVING while terrestrial connectivity is severed.
type HealthReporter struct {
	health     *health.Server
	grpcServer *grpc.Server
}

// NewHealthReporter creates a reporter that starts out SERVING
func NewHealthReporter() *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{health: hs}
}

// HealthServer returns the underlying health server
func (r *HealthReporter) HealthServer() healthpb.HealthServer {
	return r.health
}

// Serve registers the health service on a new gRPC server listening on addr
func (r *HealthReporter) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(r.grpcServer, r.health)

	go func() {
		log.Info().Str("addr", addr).Msg("Starting gRPC health server")
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC health server failed")
		}
	}()

	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server
func (r *HealthReporter) Stop() {
	r.health.Shutdown()
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
}

// SignalReceived implements escalation.Observer
func (r *HealthReporter) SignalReceived(threat.ThreatSignal, bool) {}

// StateChanged implements escalation.Observer
func (r *HealthReporter) StateChanged(previous, current threat.SystemState, level threat.ThreatLevel) {
	status := healthpb.HealthCheckResponse_SERVING
	if current.Isolated() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus(HealthService, status)
	log.Debug().
		Str("state", current.String()).
		Str("health", status.String()).
		Msg("Health status updated")
}

// PhaseCompleted implements escalation.Observer
func (r *HealthReporter) PhaseCompleted(escalation.PhaseResult) {}
