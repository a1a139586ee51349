package http

import "net/http"

// handleReady returns 200 once the first sync has succeeded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if s.checker.IsReady() {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

// handleLive returns 200 while syncs keep succeeding.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if s.checker.IsHealthy() {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	} else {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleHealth reports the combined status for monitoring.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "shutting_down",
			"ready":        false,
			"healthy":      false,
			"shuttingDown": true,
		})
		return
	}

	ready := s.checker.IsReady()
	healthy := s.checker.IsHealthy()
	status := "ok"
	statusCode := http.StatusOK

	if !ready || !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":       status,
		"ready":        ready,
		"healthy":      healthy,
		"shuttingDown": false,
	}
	if tip, ok := s.blocks.Max(); ok {
		resp["tip"] = tip.Height
	}
	s.respondJSON(w, statusCode, resp)
}
