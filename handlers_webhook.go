package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/store"
	"github.com/example/licensing/internal/webhook"
)

// HandleLemonWebhook ingests a signed Lemon Squeezy delivery. Responses are
// terse so a caller probing signatures learns nothing.
// POST /webhooks/lemon
func (a *App) HandleLemonWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeText(w, http.StatusBadRequest, "bad request")
		return
	}

	res, err := a.webhooks.Ingest(r.Context(), raw, r.Header.Get("X-Signature"), r.Header)
	switch {
	case err == nil:
		w.Header().Set("X-Webhook-Outcome", string(res.Outcome))
		writeText(w, http.StatusOK, "ok")
	case errors.Is(err, webhook.ErrSignatureInvalid):
		a.log.Warn("webhook signature rejected", logger.ClientIP(clientIP(r)))
		writeText(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, webhook.ErrSecretMissing):
		writeText(w, http.StatusInternalServerError, "misconfigured")
	default:
		writeText(w, http.StatusInternalServerError, "error")
	}
}

type webhookEventView struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"receivedAt"`
	EventName  string          `json:"eventName"`
	Applied    bool            `json:"applied"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RawPayload string          `json:"rawPayload,omitempty"`
}

func eventView(e *store.WebhookEvent) webhookEventView {
	v := webhookEventView{ID: e.ID, ReceivedAt: e.ReceivedAt, EventName: e.EventName, Applied: e.Applied}
	if json.Valid(e.Payload) {
		v.Payload = e.Payload
	} else {
		v.RawPayload = string(e.Payload)
	}
	return v
}

// HandleListWebhookEvents returns the most recent deliveries.
// GET /api/v1/admin/webhooks?limit=n
func (a *App) HandleListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	events, err := a.store.WebhookEvents(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	views := make([]webhookEventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView(e))
	}
	writeSuccess(w, http.StatusOK, views)
}

// HandleGetWebhookEvent returns one delivery by id.
// GET /api/v1/admin/webhooks/{id}
func (a *App) HandleGetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	e, err := a.store.WebhookEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook event not found")
		return
	}
	writeSuccess(w, http.StatusOK, eventView(e))
}

// HandleGetLicense returns a license snapshot without its raw key.
// GET /api/v1/admin/licenses/{id}
func (a *App) HandleGetLicense(w http.ResponseWriter, r *http.Request) {
	l, err := a.store.License(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "License not found")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"id":            l.ID,
		"productId":     l.ProductID,
		"keyHash":       l.KeyHash,
		"customerEmail": l.CustomerEmail,
		"status":        l.Status,
		"plan":          l.Plan,
		"seatsTotal":    l.SeatsTotal,
		"seatsUsed":     l.SeatsUsed,
		"validFrom":     l.ValidFrom,
		"validUntil":    l.ValidUntil,
		"features":      l.Features,
		"updatedAt":     l.UpdatedAt,
		"createdAt":     l.CreatedAt,
	})
}
