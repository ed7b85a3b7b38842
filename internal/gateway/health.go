package gateway

import (
	"time"
)

// HealthResponse is the /health endpoint's body, narrowed from the
// teacher's FlareSolverr-compatible HealthResponse (internal/models):
// browser pool size and active-session count have no referent once
// there is no shared pool, replaced by the circuit breaker state that
// actually governs whether new connections are being accepted.
type HealthResponse struct {
	Status            string              `json:"status"`
	UptimeSeconds     int64               `json:"uptimeSeconds"`
	ActiveConnections int                 `json:"activeConnections"`
	CircuitBreaker    CircuitBreakerState `json:"circuitBreaker"`
	Timestamp         int64               `json:"timestamp"`
}

// CircuitBreakerState is the health endpoint's view of the Gateway's
// global connection circuit breaker.
type CircuitBreakerState struct {
	IsOpen   bool `json:"isOpen"`
	Failures int  `json:"failures"`
}

// HealthOutput wraps HealthResponse for huma.Register, mirroring the
// teacher's HumaHealthResponse wrapping convention.
type HealthOutput struct {
	Body HealthResponse
}

// Health reports the Gateway's current status for the /health endpoint.
func (g *Gateway) Health() HealthResponse {
	state := g.breaker.State()

	status := "ok"
	if state.IsOpen {
		status = "degraded"
	}

	return HealthResponse{
		Status:            status,
		UptimeSeconds:     int64(time.Since(g.startedAt).Seconds()),
		ActiveConnections: g.activeConnectionCount(),
		CircuitBreaker: CircuitBreakerState{
			IsOpen:   state.IsOpen,
			Failures: state.Failures,
		},
		Timestamp: time.Now().Unix(),
	}
}
