package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"randforest/ml"
	"randforest/pipeline"
)

// handleTrain 触发一次训练。async=true 时立即返回 202，训练在后台进行，
// 结果通过 /api/ws/progress 与 /api/runs 获取。
func (h *handlers) handleTrain(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("training is disabled"))
		return
	}

	var req pipeline.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.deps.Runner.CheckPaths(req); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		h.server.goBackground(func(ctx context.Context) {
			if _, err := h.deps.Runner.Run(ctx, req); err != nil {
				h.deps.Logger.Warn("background training failed", zap.Error(err))
			}
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	summary, err := h.deps.Runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, trainStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// trainStatus 把训练错误映射为HTTP状态码
func trainStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPathNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoRecords),
		errors.Is(err, ml.ErrEmptyData),
		errors.Is(err, ml.ErrInvalidParameters),
		errors.Is(err, ml.ErrLabelOutOfRange),
		errors.Is(err, ml.ErrDimensionMismatch),
		errors.Is(err, ml.ErrScalingRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
