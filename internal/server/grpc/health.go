package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/rzbill/openstream/pkg/log"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "openstream"

const healthCheckTimeout = 2 * time.Second

// healthChecker is the part of the runtime the watcher needs.
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// healthWatcher mirrors runtime health into a grpc.health.v1 server.
type healthWatcher struct {
	rt     healthChecker
	srv    *health.Server
	logger logpkg.Logger
	last   healthpb.HealthCheckResponse_ServingStatus
}

func newHealthWatcher(rt healthChecker, logger logpkg.Logger) *healthWatcher {
	return &healthWatcher{rt: rt, srv: health.NewServer(), logger: logger}
}

// refresh checks the runtime once and publishes the result.
func (h *healthWatcher) refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.rt.CheckHealth(cctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if h.last != status {
			h.logger.Warn("runtime unhealthy", logpkg.Err(err))
		}
	}
	h.last = status
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
	return status
}

// run refreshes every interval until ctx is done.
func (h *healthWatcher) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.refresh(ctx)
		}
	}
}

func (h *healthWatcher) shutdown() { h.srv.Shutdown() }
