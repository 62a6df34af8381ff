package httpserver

import (
	"errors"
	"net/http"

	apperrors "github.com/ToolGate/gateway/internal/errors"
	"github.com/ToolGate/gateway/internal/money"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/x402"
)

type validateRequest struct {
	Payment   string `json:"payment"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type validateResponse struct {
	IsValid     bool              `json:"is_valid"`
	PaymentID   string            `json:"payment_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Network     string            `json:"network,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ErrorReason string            `json:"error_reason,omitempty"`
}

// validatePayment answers whether a previously presented payment header was
// settled by this gateway. No facilitator call: the local record is
// authoritative for gateway-issued payments.
func (h *handlers) validatePayment(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Payment == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "payment is required")
		return
	}

	payload, err := x402.DecodePayment(req.Payment)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{IsValid: false, ErrorReason: "malformed_payment"})
		return
	}

	record, err := h.store.GetPaymentBySignature(r.Context(), payload.Payload.Signature)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusOK, validateResponse{IsValid: false, ErrorReason: "unknown_payment"})
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "payment lookup failed")
		return
	}

	resp := validateResponse{
		PaymentID: record.ID,
		UserID:    record.Metadata["user_id"],
		Amount:    record.Amount,
		Currency:  money.Symbol(record.Network, record.Asset),
		Network:   record.Network,
		Metadata:  record.Metadata,
	}

	switch record.Status {
	case storage.PaymentStatusCompleted:
		resp.IsValid = true
		resp.Transaction = record.TransactionHash
	case storage.PaymentStatusFailed:
		if record.FailureReason != "" {
			resp.ErrorReason = record.FailureReason
		} else {
			resp.ErrorReason = string(record.Status)
		}
	default:
		resp.ErrorReason = string(record.Status)
	}

	writeJSON(w, http.StatusOK, resp)
}
