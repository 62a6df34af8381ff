package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ToolGate/gateway/internal/payments"
	"github.com/ToolGate/gateway/internal/x402"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("httpserver.write_response_failed")
	}
}

// writeRPCError writes a JSON-RPC error frame at the given HTTP status.
func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}

// paymentRequiredBody is the 402 document: the x402 requirements fields at
// the top level next to the JSON-RPC error frame, so header-aware clients can
// read accepts directly and body-only clients still get a well-formed error.
type paymentRequiredBody struct {
	rpcResponse
	X402Version int                        `json:"x402Version"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
}

// writePaymentRequired surfaces the payment handshake on both layers: HTTP
// 402 with top-level {x402Version, accepts} and a JSON-RPC error carrying the
// same requirements for clients that only look at the error frame.
func writePaymentRequired(w http.ResponseWriter, id json.RawMessage, o payments.PaymentRequired) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
		rpcResponse: rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error: &rpcError{
				Code:    codePaymentRequired,
				Message: "payment required: " + o.Reason,
				Data: x402.RequirementsResponse{
					X402Version: x402.Version,
					Error:       o.Reason,
					Accepts:     o.Accepts,
				},
			},
		},
		X402Version: x402.Version,
		Accepts:     o.Accepts,
	})
}

// addSettlementHeader attaches the settlement receipt. Encoding failures are
// logged and skipped; the tool result still goes out.
func addSettlementHeader(w http.ResponseWriter, settlement x402.SettlementResponse) {
	encoded, err := x402.EncodeSettlement(settlement)
	if err != nil {
		log.Warn().Err(err).Msg("httpserver.settlement_header_encode_failed")
		return
	}
	w.Header().Set(x402.PaymentResponseHeader, encoded)
}
