package httpserver

import (
	"net/http"
	"time"

	"github.com/ToolGate/gateway/internal/circuitbreaker"
	"github.com/ToolGate/gateway/internal/versioning"
)

// buildVersion is stamped via -ldflags at release time.
var buildVersion = "dev"

// health reports process liveness plus the state of the external
// dependencies the gateway cannot work without.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	uptime := now.Sub(serverStartTime)

	status := "ok"
	statusCode := http.StatusOK

	facilitatorState := ""
	if h.breaker != nil {
		facilitatorState = h.breaker.State(circuitbreaker.ServiceFacilitator)
		if facilitatorState == "open" {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	response := map[string]any{
		"status":    status,
		"uptime":    uptime.String(),
		"timestamp": now.UTC(),
	}
	if facilitatorState != "" {
		response["facilitator"] = facilitatorState
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	writeJSON(w, statusCode, response)
}

// version reports the build version and the negotiated API version.
func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    buildVersion,
		"apiVersion": versioning.FromContext(r.Context()).String(),
	})
}
