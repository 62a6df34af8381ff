package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ToolGate/gateway/internal/apikey"
	"github.com/ToolGate/gateway/internal/money"
	"github.com/ToolGate/gateway/internal/payments"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/upstream"
	"github.com/ToolGate/gateway/internal/x402"
)

// codePaymentRequired is the JSON-RPC error code for the payment handshake.
// Client SDKs recognize it and retry the call with an X-PAYMENT header built
// from the requirements embedded in error.data.
const codePaymentRequired = -32402

// rpcEnvelope is an incoming JSON-RPC message. ID and Params stay raw so the
// proxy forwards them byte-for-byte.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the message carries no id.
func (e rpcEnvelope) isNotification() bool {
	return len(e.ID) == 0 || string(e.ID) == "null"
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// proxyMCP handles POST /mcp/{serverID}: the JSON-RPC proxy core.
func (h *handlers) proxyMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	server, ok := h.resolveServer(w, r)
	if !ok {
		return
	}

	if h.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodyBytes)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "parse error", nil)
		return
	}
	if env.JSONRPC != "2.0" || env.Method == "" {
		writeRPCError(w, http.StatusBadRequest, env.ID, -32600, "invalid request", nil)
		return
	}

	var outcome string
	switch {
	case env.isNotification():
		outcome = h.forwardNotification(w, r, server, env)
	case env.Method == "tools/call":
		outcome = h.handleToolCall(w, r, server, env)
	default:
		outcome = h.forwardRequest(w, r, server, env)
	}
	h.metrics.ObserveProxyRequest(env.Method, outcome, time.Since(start))
}

// resolveServer loads the active server for the route or writes the error.
func (h *handlers) resolveServer(w http.ResponseWriter, r *http.Request) (registry.Server, bool) {
	serverID := chi.URLParam(r, "serverID")
	server, err := h.registry.GetServer(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			writeRPCError(w, http.StatusNotFound, nil, -32001, "server not found", nil)
		} else {
			writeRPCError(w, http.StatusInternalServerError, nil, -32603, "internal error", nil)
		}
		return registry.Server{}, false
	}
	if server.Status != registry.StatusActive {
		writeRPCError(w, http.StatusNotFound, nil, -32001, "server inactive", nil)
		return registry.Server{}, false
	}
	return server, true
}

func (h *handlers) forwardNotification(w http.ResponseWriter, r *http.Request, server registry.Server, env rpcEnvelope) string {
	notif := mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: env.Method},
	}
	if len(env.Params) > 0 {
		var fields map[string]interface{}
		if err := json.Unmarshal(env.Params, &fields); err == nil {
			notif.Notification.Params.AdditionalFields = fields
		}
	}
	if err := h.pool.Notify(r.Context(), server, notif); err != nil {
		h.writeUpstreamError(w, nil, err)
		return "upstream_error"
	}
	w.WriteHeader(http.StatusAccepted)
	return "accepted"
}

// forwardRequest relays non-tools/call requests unchanged, annotating
// tools/list results with pricing on the way back.
func (h *handlers) forwardRequest(w http.ResponseWriter, r *http.Request, server registry.Server, env rpcEnvelope) string {
	req := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      requestID(env.ID),
		Method:  env.Method,
	}
	if len(env.Params) > 0 {
		req.Params = env.Params
	}

	resp, err := h.pool.Forward(r.Context(), server, req)
	if err != nil {
		h.writeUpstreamError(w, env.ID, err)
		return "upstream_error"
	}

	result := resp.Result
	if env.Method == "tools/list" && resp.Error == nil && h.cfg.Upstream.AnnotatePaidTools {
		result = h.annotateToolList(r.Context(), server, result)
	}
	writeUpstreamResponse(w, env.ID, result, resp)
	return "forwarded"
}

func (h *handlers) handleToolCall(w http.ResponseWriter, r *http.Request, server registry.Server, env rpcEnvelope) string {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Name == "" {
		writeRPCError(w, http.StatusBadRequest, env.ID, -32602, "invalid params: tool name required", nil)
		return "invalid_params"
	}

	// Unknown tools are forwarded as free; the upstream is authoritative
	// about its own tool list.
	tool, err := h.registry.GetToolByName(r.Context(), server.ID, params.Name)
	if err != nil && !errors.Is(err, registry.ErrToolNotFound) {
		writeRPCError(w, http.StatusInternalServerError, env.ID, -32603, "internal error", nil)
		return "internal_error"
	}

	header := r.Header.Get(x402.PaymentHeader)
	identity := apikey.FromContext(r.Context())

	switch o := h.payments.HandlePaidCall(r.Context(), server, tool, header, identity).(type) {
	case payments.PaymentRequired:
		writePaymentRequired(w, env.ID, o)
		return "payment_required"

	case payments.Failed:
		writeRPCError(w, o.Code, env.ID, rpcCodeForStatus(o.Code), o.Reason, nil)
		return "payment_failed"

	case payments.Settled:
		// Already settled earlier with this exact header: attach the original
		// settlement and re-invoke idempotently.
		addSettlementHeader(w, o.Settlement)
		resp, err := h.pool.CallTool(r.Context(), server, params.Name, params.Arguments)
		if err != nil {
			h.writeUpstreamError(w, env.ID, err)
			return "upstream_error"
		}
		writeUpstreamResponse(w, env.ID, resp.Result, resp)
		return "replayed"

	case payments.Proceed:
		return h.forwardAndSettle(w, r, server, env, params.Name, params.Arguments, o)

	default:
		writeRPCError(w, http.StatusInternalServerError, env.ID, -32603, "internal error", nil)
		return "internal_error"
	}
}

// forwardAndSettle runs the upstream call and, for paid calls, settles after
// a successful result. Settlement runs in a cancellation-protected scope: a
// client disconnect after the upstream did the work must not void payment.
func (h *handlers) forwardAndSettle(w http.ResponseWriter, r *http.Request, server registry.Server, env rpcEnvelope, name string, args json.RawMessage, claim payments.Proceed) string {
	resp, err := h.pool.CallTool(r.Context(), server, name, args)
	if err != nil {
		// Not settled: the pending record expires via the janitor.
		h.writeUpstreamError(w, env.ID, err)
		return "upstream_error"
	}

	free := claim.RecordID == ""
	if free || resp.Error != nil {
		// Upstream rejected the call at the protocol level: nothing was
		// delivered, so the payment is not settled.
		writeUpstreamResponse(w, env.ID, resp.Result, resp)
		if free {
			return "free"
		}
		return "upstream_rejected"
	}

	settlement, err := h.payments.Settle(context.WithoutCancel(r.Context()), claim.RecordID, claim.Payload, claim.Requirements)
	if err != nil {
		writeRPCError(w, http.StatusPaymentRequired, env.ID, codePaymentRequired, "settlement failed: "+err.Error(), nil)
		return "settlement_failed"
	}

	addSettlementHeader(w, settlement)
	writeUpstreamResponse(w, env.ID, resp.Result, resp)
	return "settled"
}

// annotateToolList appends price annotations to paid tools' descriptions.
// Annotation failures fall back to the unmodified upstream result.
func (h *handlers) annotateToolList(ctx context.Context, server registry.Server, raw json.RawMessage) json.RawMessage {
	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return raw
	}
	var tools []map[string]interface{}
	if err := json.Unmarshal(result["tools"], &tools); err != nil {
		return raw
	}

	catalog, err := h.registry.ListTools(ctx, server.ID)
	if err != nil {
		return raw
	}
	priced := make(map[string]registry.Tool, len(catalog))
	for _, t := range catalog {
		if t.IsMonetized() {
			priced[t.Name] = t
		}
	}
	if len(priced) == 0 {
		return raw
	}

	for _, entry := range tools {
		name, _ := entry["name"].(string)
		tool, ok := priced[name]
		if !ok {
			continue
		}
		note := priceAnnotation(tool)
		if note == "" {
			continue
		}
		desc, _ := entry["description"].(string)
		if desc != "" {
			entry["description"] = desc + " " + note
		} else {
			entry["description"] = note
		}
	}

	annotated, err := json.Marshal(tools)
	if err != nil {
		return raw
	}
	result["tools"] = annotated
	out, err := json.Marshal(result)
	if err != nil {
		return raw
	}
	return out
}

// priceAnnotation renders the cheapest active price of a tool.
func priceAnnotation(tool registry.Tool) string {
	active := tool.ActivePricing()
	if len(active) == 0 {
		return ""
	}
	entry := active[0]
	amount, err := money.FromBaseUnits(entry.MaxAmountRequiredRaw, uint8(entry.TokenDecimals))
	if err != nil {
		return ""
	}
	symbol := money.Symbol(entry.Network, entry.AssetAddress)
	if symbol == "" {
		symbol = "tokens"
	}
	return fmt.Sprintf("(paid: %s %s on %s)", amount, symbol, entry.Network)
}

// relayNotifications handles GET /mcp/{serverID}: an SSE channel for
// server-initiated notifications.
func (h *handlers) relayNotifications(w http.ResponseWriter, r *http.Request) {
	server, ok := h.resolveServer(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeRPCError(w, http.StatusInternalServerError, nil, -32603, "streaming unsupported", nil)
		return
	}

	notifs, cancel, err := h.pool.Subscribe(r.Context(), server)
	if err != nil {
		h.writeUpstreamError(w, nil, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case notif, open := <-notifs:
			if !open {
				return
			}
			data, err := json.Marshal(notif)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// writeUpstreamError maps pool errors onto the JSON-RPC error surface.
func (h *handlers) writeUpstreamError(w http.ResponseWriter, id json.RawMessage, err error) {
	if errors.Is(err, upstream.ErrBusy) {
		writeRPCError(w, http.StatusServiceUnavailable, id, -32002, "server at capacity", nil)
		return
	}
	writeRPCError(w, http.StatusBadGateway, id, -32003, "upstream unavailable: "+err.Error(), nil)
}

// writeUpstreamResponse relays an upstream JSON-RPC response under the
// client's original id.
func writeUpstreamResponse(w http.ResponseWriter, id json.RawMessage, result json.RawMessage, resp *transport.JSONRPCResponse) {
	out := rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	if resp.Error != nil {
		out.Result = nil
		out.Error = &rpcError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// requestID converts the client's raw JSON-RPC id for the upstream request.
func requestID(raw json.RawMessage) mcp.RequestId {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		value = string(raw)
	}
	return mcp.NewRequestId(value)
}

// rpcCodeForStatus maps an HTTP status onto the matching JSON-RPC code.
func rpcCodeForStatus(status int) int {
	switch status {
	case http.StatusPaymentRequired:
		return codePaymentRequired
	case http.StatusConflict:
		return -32004
	case http.StatusServiceUnavailable:
		return -32002
	case http.StatusBadGateway:
		return -32003
	default:
		return -32000
	}
}
