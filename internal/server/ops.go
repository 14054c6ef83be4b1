package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/storage"
	"github.com/binshare/binshare/internal/version"
)

// OpsAPI serves the operational endpoints: liveness, readiness,
// Prometheus metrics and a status summary.
type OpsAPI struct {
	store    *storage.Store
	registry *Registry
	logger   *zap.Logger
	started  time.Time
}

func NewOpsAPI(store *storage.Store, registry *Registry, logger *zap.Logger) *OpsAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsAPI{
		store:    store,
		registry: registry,
		logger:   logger,
		started:  time.Now(),
	}
}

func (a *OpsAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/status", a.handleStatus)

	return mux
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type statusResponse struct {
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
	Repositories  int    `json:"repositories"`
}

func (a *OpsAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "alive",
		"uptime_sec": int64(time.Since(a.started).Seconds()),
	})
}

func (a *OpsAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "SERVICE_UNAVAILABLE")
		return
	}
	if err := a.store.Ping(); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "SERVICE_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *OpsAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	repoCount := 0
	if a.store != nil {
		repos, err := a.store.SelectRepositories("")
		if err != nil {
			a.logger.Error("status repository count failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
			return
		}
		repoCount = len(repos)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version:       version.Version,
		UptimeSec:     int64(time.Since(a.started).Seconds()),
		Sessions:      a.registry.Len(),
		Subscriptions: a.registry.Subscriptions(),
		Repositories:  repoCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}
