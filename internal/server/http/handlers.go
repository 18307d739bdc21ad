package httpserver

import (
	"net/http"

	"github.com/veolab/igeo-bridge/internal/database"
)

// healthHandler reports liveness. The process is alive while the control
// database answers; worker restarts do not affect liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status == database.StatusHealthy {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{
		Status:   "unhealthy",
		Database: health.Status,
		Error:    health.Error,
	})
}

// readinessHandler is ready once a worker set runs and the database answers.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status != database.StatusHealthy {
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status:   "not_ready",
			Database: health.Status,
			Workers:  workersState(s.workers.Ready()),
			Error:    health.Error,
		})
		return
	}
	if !s.workers.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status:   "not_ready",
			Database: health.Status,
			Workers:  workersState(false),
		})
		return
	}
	writeJSON(w, http.StatusOK, readinessResponse{
		Status:   "ready",
		Database: health.Status,
		Workers:  workersState(true),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Workers:    workersState(s.workers.Ready()),
		Generation: s.workers.Generation(),
		Database:   health,
	})
}

func workersState(ready bool) string {
	if ready {
		return "running"
	}
	return "stopped"
}
