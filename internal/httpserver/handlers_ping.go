package httpserver

import (
	"errors"
	"net/http"

	"github.com/ToolGate/gateway/internal/apikey"
	apperrors "github.com/ToolGate/gateway/internal/errors"
	"github.com/ToolGate/gateway/internal/ping"
)

// handlePing ingests an SDK self-registration announcement.
func (h *handlers) handlePing(w http.ResponseWriter, r *http.Request) {
	var req ping.Request
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if len(req.DetectedURLs) == 0 {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "detectedUrls is required")
		return
	}

	result, err := h.ping.Handle(r.Context(), req, apikey.FromContext(r.Context()))
	if err != nil {
		if errors.Is(err, ping.ErrNoReachableURL) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeUpstreamError, "no reachable MCP endpoint among detectedUrls")
			return
		}
		h.logger.Error().Err(err).Msg("ping.handle_failed")
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "ping processing failed")
		return
	}

	status := http.StatusOK
	if result.NewlyCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}
