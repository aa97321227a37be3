package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/dqn"
	"vrpopt/internal/model"
	"vrpopt/internal/opt"
	"vrpopt/internal/store"
	"vrpopt/internal/training"
)

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var req model.OptimizeRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Optimizer.Optimize(r.Context(), req)
	if err != nil {
		var ve *opt.ValidationError
		if errors.As(err, &ve) {
			writeProblemJSON(w, Problem{
				Type:     "about:blank",
				Title:    "Invalid optimize request",
				Status:   http.StatusUnprocessableEntity,
				Detail:   ve.Error(),
				Instance: r.URL.Path,
				Errors:   ve.Problems,
			})
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Optimization failed", err.Error(), r.URL.Path)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MethodsHandler handles GET /v1/methods
func (s *Server) MethodsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.Optimizer.Methods()})
}

// TrainingStartHandler handles POST /v1/training/start. The body is an
// optional TrainingConfig; zero fields take the configured defaults.
func (s *Server) TrainingStartHandler(w http.ResponseWriter, r *http.Request) {
	var tc model.TrainingConfig
	if err := decodeBody(w, r, &tc, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	runID, err := s.Training.Start(tc)
	switch {
	case errors.Is(err, training.ErrTrainingConflict):
		writeProblem(w, http.StatusConflict, "Training already running", err.Error(), r.URL.Path)
		return
	case errors.Is(err, training.ErrInvalidConfig):
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid training config", err.Error(), r.URL.Path)
		return
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Training start failed", err.Error(), r.URL.Path)
		return
	}
	log.WithField("run", runID).Info("training started")
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": s.Training.Status()})
}

// TrainingStopHandler handles POST /v1/training/stop
func (s *Server) TrainingStopHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Training.Stop() {
		writeProblem(w, http.StatusBadRequest, "No active training", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stopping": true, "status": s.Training.Status()})
}

// TrainingStatusHandler handles GET /v1/training/status
func (s *Server) TrainingStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Training.Status())
}

// TrainingStreamHandler streams training events as SSE, starting with the
// current status snapshot.
func (s *Server) TrainingStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(TrainingTopic)
	defer s.Broker.Unsubscribe(TrainingTopic, ch)

	if err := writeSSE(w, SSEEvent{Type: "training.status", Data: s.Training.Status()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// ModelsHandler handles GET /v1/models
func (s *Server) ModelsHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListModels(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List models failed", err.Error(), r.URL.Path)
		return
	}
	active := ""
	for _, m := range items {
		if m.IsActive {
			active = m.Name
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": items, "active": active})
}

// ModelByNameHandler handles GET /v1/models/{name}
func (s *Server) ModelByNameHandler(w http.ResponseWriter, r *http.Request) {
	m, err := s.Store.GetModel(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Model not found", r.PathValue("name"), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get model failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ActivateModelHandler handles POST /v1/models/{name}/activate
func (s *Server) ActivateModelHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.Store.ActivateModel(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Model not found", name, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Activate model failed", err.Error(), r.URL.Path)
		return
	}
	m, err := s.Store.GetModel(r.Context(), name)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get model failed", err.Error(), r.URL.Path)
		return
	}
	log.WithField("model", name).Info("model activated")
	s.Broker.Publish(TrainingTopic, SSEEvent{Type: "model.activated", Data: map[string]any{"name": name}})
	writeJSON(w, http.StatusOK, m)
}

// DeleteModelHandler handles DELETE /v1/models/{name}. The registry row and
// the artifact file are removed; history rows are kept.
func (s *Server) DeleteModelHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if st := s.Training.Status(); st.IsTraining && st.ModelName == name {
		writeProblem(w, http.StatusConflict, "Model is being trained", name, r.URL.Path)
		return
	}
	m, err := s.Store.DeleteModel(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Model not found", name, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete model failed", err.Error(), r.URL.Path)
		return
	}
	lg := log.WithField("model", name)
	if path := s.artifactPath(m); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			lg.WithError(err).Warn("artifact not removed")
		}
	}
	if s.OnModelsChanged != nil {
		s.OnModelsChanged()
	}
	lg.Info("model deleted")
	s.Broker.Publish(TrainingTopic, SSEEvent{Type: "model.deleted", Data: map[string]any{"name": name}})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name, "was_active": m.IsActive})
}

// EvaluateModelHandler handles POST /v1/models/{name}/evaluate. It scores
// the saved policy on fresh synthetic scenarios:
// ?episodes=N&vehicles=V&capacity=C&seed=S.
func (s *Server) EvaluateModelHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tc := s.Config.Training
	defEpisodes := tc.EvalEpisodes
	if defEpisodes <= 0 {
		defEpisodes = 10
	}
	var (
		opts training.EvalOptions
		err  error
	)
	if opts.Episodes, err = queryInt(r, "episodes", defEpisodes, 1000); err == nil {
		if opts.Vehicles, err = queryInt(r, "vehicles", tc.NumVehicles, 20); err == nil {
			if opts.Capacity, err = queryInt(r, "capacity", tc.VehicleCapacity, 100000); err == nil {
				var seed int
				seed, err = queryInt(r, "seed", 0, math.MaxInt32)
				opts.Seed = int64(seed)
			}
		}
	}
	if err == nil && (opts.Episodes < 1 || opts.Vehicles < 1 || opts.Capacity < 1) {
		err = errors.New("episodes, vehicles and capacity must be positive")
	}
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	opts.Reward = s.Config.Reward

	m, err := s.Store.GetModel(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Model not found", name, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get model failed", err.Error(), r.URL.Path)
		return
	}
	start := time.Now()
	ev, err := training.EvaluateArtifact(r.Context(), s.artifactPath(m), opts)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeProblem(w, http.StatusNotFound, "Model artifact missing", s.artifactPath(m), r.URL.Path)
		return
	case errors.Is(err, dqn.ErrArtifactMismatch):
		writeProblem(w, http.StatusUnprocessableEntity, "Model artifact unusable", err.Error(), r.URL.Path)
		return
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Evaluation failed", err.Error(), r.URL.Path)
		return
	}
	log.WithFields(log.Fields{"model": name, "episodes": ev.Episodes, "avg_reward": ev.AvgReward}).Info("model evaluated")
	writeJSON(w, http.StatusOK, map[string]any{
		"model_name":    name,
		"num_scenarios": ev.Episodes,
		"evaluation":    ev,
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})
}

// artifactPath is the registry's file path, else the conventional location
// under the model directory.
func (s *Server) artifactPath(m model.ModelInfo) string {
	if m.FilePath != "" {
		return m.FilePath
	}
	if s.Config.Storage.ModelDir == "" || m.Name == "" {
		return ""
	}
	return filepath.Join(s.Config.Storage.ModelDir, m.Name+".json")
}

// ModelHistoryHandler handles GET /v1/models/{name}/history?limit=N
func (s *Server) ModelHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 10000)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	name := r.PathValue("name")
	rows, err := s.Store.ListHistory(r.Context(), name, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List history failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_name": name, "history": rows})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
