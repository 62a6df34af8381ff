package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ToolGate/gateway/internal/errors"
	"github.com/ToolGate/gateway/internal/storage"
)

// listWebhooks handles GET /admin/webhooks?status=&limit=.
func (h *handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	var status storage.WebhookStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = storage.WebhookStatus(s)
		switch status {
		case storage.WebhookStatusPending, storage.WebhookStatusProcessing,
			storage.WebhookStatusFailed, storage.WebhookStatusSuccess:
		default:
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "status must be pending, processing, failed or success")
			return
		}
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	webhooks, err := h.store.ListWebhooks(r.Context(), status, limit)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "webhook listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": webhooks,
		"count":    len(webhooks),
	})
}

// getWebhook handles GET /admin/webhooks/{webhookID}.
func (h *handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.store.GetWebhook(r.Context(), chi.URLParam(r, "webhookID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "webhook not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "webhook lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, webhook)
}

// retryWebhook handles POST /admin/webhooks/{webhookID}/retry: resets a
// dead-lettered webhook to pending for another delivery round.
func (h *handlers) retryWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")
	if err := h.store.RetryWebhook(r.Context(), webhookID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "webhook not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "webhook retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "webhook queued for retry",
		"webhookId": webhookID,
	})
}

// deleteWebhook handles DELETE /admin/webhooks/{webhookID}.
func (h *handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWebhook(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "webhook not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "webhook delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
