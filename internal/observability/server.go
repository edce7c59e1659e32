package observability

import (
	"context"
	"net/http"
	"time"

	"taskforge/internal/events"
)

// RunningRootsFunc reports the scheduler's current running-root count;
// satisfied by (*scheduler.Scheduler).RunningRoots wrapped in len().
type RunningRootsFunc func() int

// Server exposes /metrics on its own listen address, separate from the
// main API address.
type Server struct {
	metrics      *Metrics
	bus          *events.Bus
	runningRoots RunningRootsFunc
}

// NewServer builds a Server that polls runningRoots and bus for gauge
// refreshes.
func NewServer(metrics *Metrics, bus *events.Bus, runningRoots RunningRootsFunc) *Server {
	return &Server{metrics: metrics, bus: bus, runningRoots: runningRoots}
}

// Router mounts /metrics (Prometheus text exposition) and /healthz (a bare
// liveness check — readiness lives behind system.health on the main RPC
// surface, which also reports application-level state).
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// RunPoller refreshes the gauges Metrics can't update event-driven every
// interval, until ctx is cancelled.
func (s *Server) RunPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := 0
			if s.runningRoots != nil {
				running = s.runningRoots()
			}
			s.metrics.Poll(running, s.bus.Metrics().Snapshot())
		}
	}
}
