package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

// health reports liveness plus storage reachability. A failing store ping
// marks the service degraded with a 503 so load balancers drain it.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK

	storeHealthy := true
	if err := h.Store.Ping(ctx); err != nil {
		storeHealthy = false
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("health.store_unreachable")
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"storeHealthy": storeHealthy,
		"breakers":     h.Breakers.States(),
	}
	if h.Pool != nil {
		response["pool"] = h.Pool.Stats()
	}
	if prefix := h.Config.Server.RoutePrefix; prefix != "" {
		response["routePrefix"] = prefix
	}

	responders.JSON(w, statusCode, response)
}
