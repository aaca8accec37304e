package http

import (
	"context"
	"net/http"
	"time"
)

type dependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]dependencyHealth `json:"dependencies"`
	Ticker       map[string]interface{}      `json:"ticker"`
	Accounts     map[string]interface{}      `json:"accounts"`
	Publish      map[string]interface{}      `json:"publish"`
}

// handleHealth reports overall service health. A dead store or bus makes
// the service critical; an open breaker, stale registry or saturated
// batcher only degrades it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := make(map[string]dependencyHealth, 3)
	critical := false

	if err := s.deps.Store.Ping(ctx); err != nil {
		deps["store"] = dependencyHealth{Status: "down", Error: err.Error()}
		critical = true
	} else {
		deps["store"] = dependencyHealth{Status: "up"}
	}

	if err := s.deps.Publisher.Ping(ctx); err != nil {
		deps["bus"] = dependencyHealth{Status: "down", Error: err.Error()}
		critical = true
	} else {
		deps["bus"] = dependencyHealth{Status: "up"}
	}

	degraded := false
	registry := dependencyHealth{Status: "up"}
	if s.deps.Registry.Size() == 0 {
		registry.Status = "empty"
		degraded = true
	} else if s.deps.Registry.StaleRefreshes() > 0 {
		registry.Status = "stale"
		degraded = true
	}
	deps["registry"] = registry

	if !s.deps.Publisher.Healthy() {
		degraded = true
	}
	saturation := s.deps.Publisher.Saturation()
	if saturation.Rate() < 1.0 {
		degraded = true
	}

	status := "ok"
	code := http.StatusOK
	switch {
	case critical:
		status = "critical"
		code = http.StatusServiceUnavailable
	case degraded || !s.deps.Orchestrator.Running():
		status = "degraded"
	}

	writeJSON(w, code, healthResponse{
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Dependencies: deps,
		Ticker:       s.deps.Orchestrator.Status(ctx),
		Accounts:     s.deps.Accounts.Status(),
		Publish: map[string]interface{}{
			"breaker_closed":  s.deps.Publisher.Healthy(),
			"saturation":      saturation.String(),
			"sampling_rate":   saturation.Rate(),
			"registry_size":   s.deps.Registry.Size(),
			"registry_loaded": s.deps.Registry.LoadedAt(),
			"stale_refreshes": s.deps.Registry.StaleRefreshes(),
		},
	})
}
