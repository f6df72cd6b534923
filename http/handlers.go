package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

type handlers struct {
	deps   Dependencies
	server *Server
}

// RegisterHandlers 注册路由
func RegisterHandlers(mux *http.ServeMux, h *handlers) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/runs", h.handleRuns)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/runs/{id}/issues", h.handleRunIssues)
	mux.HandleFunc("POST /api/train", h.handleTrain)
	if h.deps.Hub != nil {
		mux.HandleFunc("GET /api/ws/progress", h.deps.Hub.HandleWebSocket)
	}
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics.Handler())
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats 返回数据摄取与进度推送的运行时统计
func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	if h.deps.Runner != nil {
		stats["ingestion"] = h.deps.Runner.IngestionStats()
	}
	if h.deps.Hub != nil {
		stats["hub"] = h.deps.Hub.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) handleRuns(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("run registry is disabled"))
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = l
	}

	runs, err := h.deps.Store.ListRuns(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("list runs failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// handleRunIssues 返回某次训练中被拒绝的输入行
func (h *handlers) handleRunIssues(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("run registry is disabled"))
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid run id"))
		return
	}

	issues, err := h.deps.Store.ListIssues(r.Context(), id, 0)
	if err != nil {
		h.deps.Logger.Error("list issues failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": id,
		"count":  len(issues),
		"issues": issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
