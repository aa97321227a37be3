package api

import (
	"net/http"
	"time"

	"vrpopt/internal/buildinfo"
)

// DebugJSON reports build info and the effective, secret-free settings.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":             c.Server.Port,
			"rate_rps":         c.Server.RateRPS,
			"rate_burst":       c.Server.RateBurst,
			"has_database_url": c.Storage.DatabaseURL != "",
			"has_sqlite_path":  c.Storage.SQLitePath != "",
			"has_redis_url":    c.Storage.RedisURL != "",
			"model_dir":        c.Storage.ModelDir,
			"default_method":   c.Optimizer.DefaultMethod,
			"has_exact_solver": c.Optimizer.ExactURL != "",
			"routing_url":      c.Optimizer.RoutingURL,
			"road_geometry":    c.Optimizer.RoadGeometry,
		},
		"training": s.Training.Status(),
	}
	writeJSON(w, http.StatusOK, info)
}
