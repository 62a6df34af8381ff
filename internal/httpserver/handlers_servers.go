package httpserver

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ToolGate/gateway/internal/apikey"
	apperrors "github.com/ToolGate/gateway/internal/errors"
	"github.com/ToolGate/gateway/internal/money"
	"github.com/ToolGate/gateway/internal/registry"
)

type createServerRequest struct {
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	MCPOrigin       string            `json:"mcpOrigin"`
	ReceiverAddress string            `json:"receiverAddress"`
	RequireAuth     bool              `json:"requireAuth,omitempty"`
	AuthHeaders     map[string]string `json:"authHeaders,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	WebhookSecret   string            `json:"webhookSecret,omitempty"`
}

// createServer handles POST /api/servers: explicit catalog registration.
func (h *handlers) createServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.MCPOrigin == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "mcpOrigin is required")
		return
	}
	if req.ReceiverAddress == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "receiverAddress is required")
		return
	}
	origin, err := url.Parse(req.MCPOrigin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "mcpOrigin must be an absolute URL")
		return
	}

	identity := apikey.FromContext(r.Context())
	server := registry.Server{
		ID:              registry.NewServerID(),
		Name:            req.Name,
		Description:     req.Description,
		MCPOrigin:       strings.TrimRight(req.MCPOrigin, "/"),
		ReceiverAddress: req.ReceiverAddress,
		RequireAuth:     req.RequireAuth,
		AuthHeaders:     req.AuthHeaders,
		Status:          registry.StatusActive,
		WebhookURL:      req.WebhookURL,
		WebhookSecret:   req.WebhookSecret,
	}
	if identity != nil {
		server.CreatorID = identity.UserID
	}
	if server.Name == "" {
		server.Name = origin.Host
	}

	if err := h.registry.CreateServer(r.Context(), server); err != nil {
		if errors.Is(err, registry.ErrDuplicateServer) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeDuplicateRegistration, "a server is already registered for this origin")
			return
		}
		h.logger.Error().Err(err).Str("origin", server.MCPOrigin).Msg("registry.create_server_failed")
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "server registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, server)
}

// findServer handles GET /api/servers/find?mcpOrigin=...: idempotent lookup
// used by SDKs to discover their own registration.
func (h *handlers) findServer(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("mcpOrigin")
	if origin == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "mcpOrigin query parameter is required")
		return
	}

	creatorID := ""
	if identity := apikey.FromContext(r.Context()); identity != nil {
		creatorID = identity.UserID
	}

	server, err := h.registry.FindByOrigin(r.Context(), strings.TrimRight(origin, "/"), creatorID)
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeServerNotFound, "no server registered for this origin")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "server lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

type toolPricingRequest struct {
	Tools []toolPricingEntry `json:"tools"`
}

type toolPricingEntry struct {
	Name    string          `json:"name"`
	Pricing []pricingUpdate `json:"pricing"`
}

type pricingUpdate struct {
	// MaxAmountRequired is a human-readable amount ("0.05"); Raw takes
	// precedence when both are set.
	MaxAmountRequired    string `json:"maxAmountRequired,omitempty"`
	MaxAmountRequiredRaw string `json:"maxAmountRequiredRaw,omitempty"`
	TokenDecimals        int    `json:"tokenDecimals"`
	AssetAddress         string `json:"assetAddress"`
	Network              string `json:"network"`
	Active               *bool  `json:"active,omitempty"`
}

// setToolPricing handles POST /api/servers/{serverID}/tools: replaces pricing
// on the named tools. Only the creator may change pricing.
func (h *handlers) setToolPricing(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	server, err := h.registry.GetServer(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeServerNotFound, "server not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "server lookup failed")
		return
	}

	identity := apikey.FromContext(r.Context())
	if server.CreatorID != "" && (identity == nil || identity.UserID != server.CreatorID) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeForbidden, "only the registering account may change pricing")
		return
	}

	var req toolPricingRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if len(req.Tools) == 0 {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "tools is required")
		return
	}

	updated := 0
	for _, tool := range req.Tools {
		if tool.Name == "" {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "tool name is required")
			return
		}
		pricing, err := buildPricing(tool.Pricing)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, err.Error())
			return
		}
		if err := h.registry.SetToolPricing(r.Context(), serverID, tool.Name, pricing); err != nil {
			if errors.Is(err, registry.ErrToolNotFound) {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeToolNotFound, "unknown tool: "+tool.Name)
				return
			}
			apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "pricing update failed")
			return
		}
		updated++
	}

	if invalidator, ok := h.registry.(interface{ Invalidate(string) }); ok {
		invalidator.Invalidate(serverID)
	}
	h.pool.Invalidate(serverID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serverId":     serverID,
		"toolsUpdated": updated,
	})
}

// buildPricing converts request entries into registry pricing, resolving
// decimals from the asset catalog and human amounts into base units.
func buildPricing(updates []pricingUpdate) ([]registry.PricingEntry, error) {
	entries := make([]registry.PricingEntry, 0, len(updates))
	for _, u := range updates {
		if u.Network == "" {
			return nil, errors.New("pricing network is required")
		}
		if u.AssetAddress == "" {
			return nil, errors.New("pricing assetAddress is required")
		}

		decimals := u.TokenDecimals
		if decimals == 0 {
			if info, err := money.Lookup(u.Network, u.AssetAddress); err == nil {
				decimals = int(info.Decimals)
			} else {
				return nil, errors.New("tokenDecimals is required for unknown assets")
			}
		}

		raw := u.MaxAmountRequiredRaw
		if raw == "" {
			if u.MaxAmountRequired == "" {
				return nil, errors.New("maxAmountRequired or maxAmountRequiredRaw is required")
			}
			converted, err := money.ToBaseUnits(u.MaxAmountRequired, uint8(decimals))
			if err != nil {
				return nil, errors.New("invalid maxAmountRequired: " + err.Error())
			}
			raw = converted
		} else if _, err := money.ParseBaseUnits(raw); err != nil {
			return nil, errors.New("invalid maxAmountRequiredRaw: " + err.Error())
		}

		active := true
		if u.Active != nil {
			active = *u.Active
		}
		entries = append(entries, registry.PricingEntry{
			ID:                   registry.NewPricingID(),
			MaxAmountRequiredRaw: raw,
			TokenDecimals:        decimals,
			AssetAddress:         u.AssetAddress,
			Network:              u.Network,
			Active:               active,
		})
	}
	return entries, nil
}
