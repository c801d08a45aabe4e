package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/tokenpay/internal/callbacks"
	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

// webhookEventView renders a stored event. Bodies that were not valid JSON
// (kept for audit) are returned as a string.
type webhookEventView struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	EventType       string     `json:"eventType"`
	ProviderEventID string     `json:"providerEventId"`
	Reference       string     `json:"reference,omitempty"`
	RawData         any        `json:"rawData"`
	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"lastError,omitempty"`
	ReceivedAt      time.Time  `json:"receivedAt"`
}

func viewWebhookEvent(e storage.WebhookEvent) webhookEventView {
	var raw any = string(e.RawData)
	if json.Valid(e.RawData) {
		raw = json.RawMessage(e.RawData)
	}
	return webhookEventView{
		ID:              e.ID,
		Provider:        e.Provider,
		EventType:       e.EventType,
		ProviderEventID: e.ProviderEventID,
		Reference:       e.Reference,
		RawData:         raw,
		Processed:       e.Processed,
		ProcessedAt:     e.ProcessedAt,
		Attempts:        e.Attempts,
		LastError:       e.LastError,
		ReceivedAt:      e.ReceivedAt,
	}
}

// listWebhookEvents handles GET /admin/webhooks?processed=&type=&limit=.
func (h *handlers) listWebhookEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	processed, err := boolParam(r, "processed")
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	events, err := h.Store.ListWebhookEvents(r.Context(), storage.WebhookEventFilter{
		Processed: processed,
		EventType: r.URL.Query().Get("type"),
		Limit:     limit,
	})
	if err != nil {
		writeDomainError(w, r, err, "admin.webhooks.list_failed")
		return
	}
	out := make([]webhookEventView, 0, len(events))
	for _, e := range events {
		out = append(out, viewWebhookEvent(e))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

// getWebhookEvent handles GET /admin/webhooks/{id}.
func (h *handlers) getWebhookEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.Store.GetWebhookEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "admin.webhooks.get_failed")
		return
	}
	responders.JSON(w, http.StatusOK, viewWebhookEvent(event))
}

// replayWebhookEvent handles POST /admin/webhooks/{id}/replay.
func (h *handlers) replayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.Receiver.Replay(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err, "admin.webhooks.replay_failed")
		return
	}
	log := logger.FromContext(r.Context())
	log.Info().
		Str("event_id", id).
		Str("outcome", string(result.Outcome)).
		Msg("admin.webhooks.replayed")
	responders.JSON(w, http.StatusOK, result)
}

// replayPendingWebhooks handles POST /admin/webhooks/replay?limit=.
func (h *handlers) replayPendingWebhooks(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	stats, err := h.Receiver.ReplayPending(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err, "admin.webhooks.replay_pending_failed")
		return
	}
	responders.JSON(w, http.StatusOK, stats)
}

// listDeadLetters handles GET /admin/notifications/dead-letters.
func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	items := []callbacks.FailedNotification{}
	if h.Notifications != nil {
		if items, err = h.Notifications.DeadLetters(r.Context(), limit); err != nil {
			writeDomainError(w, r, err, "admin.notifications.list_failed")
			return
		}
	}
	responders.JSON(w, http.StatusOK, map[string]any{"notifications": items, "count": len(items)})
}

// redeliverNotifications handles POST /admin/notifications/redeliver?limit=.
func (h *handlers) redeliverNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	delivered := 0
	if h.Notifications != nil {
		if delivered, err = h.Notifications.Redeliver(r.Context(), limit); err != nil {
			writeDomainError(w, r, err, "admin.notifications.redeliver_failed")
			return
		}
	}
	responders.JSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// runReconciler handles POST /admin/reconcile: one immediate sweep of stale open sessions.
func (h *handlers) runReconciler(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, "reconciler not configured")
		return
	}
	stats, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, r, err, "admin.reconcile.failed")
		return
	}
	responders.JSON(w, http.StatusOK, stats)
}

// runArchival handles POST /admin/archival: prune processed webhook events now.
func (h *handlers) runArchival(w http.ResponseWriter, r *http.Request) {
	if h.Archival == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, "archival not configured")
		return
	}
	removed, err := h.Archival.RunNow(r.Context())
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int64{"archived": removed})
}
