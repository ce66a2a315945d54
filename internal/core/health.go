package core

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. If any probe exceeds this deadline, the health check returns
// 503 Service Unavailable.
const healthCheckTimeout = 2 * time.Second

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout. Returns 200 OK if all probes report healthy, 503 Service
// Unavailable if any subsystem fails or the global timeout is exceeded.
//
// This endpoint is public (no authentication required) and is mounted at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	results := make(chan probeResult, len(probes))
	var wg sync.WaitGroup
	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			results <- probeResult{name: p.Name(), err: p.Check(ctx)}
		}(probe)
	}
	wg.Wait()
	close(results)

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(probes)),
	}
	status := http.StatusOK
	for res := range results {
		if res.err != nil {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			continue
		}
		resp.Components[res.name] = componentStatus{Status: "healthy"}
	}

	JSON(w, r, status, resp)
}
