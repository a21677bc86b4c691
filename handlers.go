package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/licensing/internal/activation"
	"github.com/example/licensing/internal/config"
	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/mail"
	"github.com/example/licensing/internal/store"
)

type activationRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	DeviceID    string `json:"deviceId" validate:"required_without=Fingerprint,max=256"`
	Fingerprint string `json:"fingerprint" validate:"required_without=DeviceID,max=256"`
}

type deviceRequest struct {
	DeviceID    string `json:"deviceId" validate:"required_without=Fingerprint,max=256"`
	Fingerprint string `json:"fingerprint" validate:"required_without=DeviceID,max=256"`
}

// device prefers deviceId; fingerprint is the name older clients send.
func device(id, fingerprint string) string {
	if id != "" {
		return id
	}
	return fingerprint
}

// HandleStartActivation records a magic request, emails its link and returns
// the request id with the token.
// POST /api/v1/activations, POST /signup
func (a *App) HandleStartActivation(w http.ResponseWriter, r *http.Request) {
	var in activationRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}

	req, err := a.activation.RequestActivation(r.Context(), in.Email, device(in.DeviceID, in.Fingerprint))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	link := a.cfg.PublicBaseURL + "/verify?token=" + url.QueryEscape(req.Token)
	sent := true
	msg, err := mail.MagicLink(in.Email, link, req.ExpiresAt.UTC().Format(time.RFC1123))
	if err == nil {
		err = a.mailer.Send(r.Context(), msg)
	}
	if err != nil {
		sent = false
		a.log.Warn("magic link not delivered", logger.RequestID(req.RequestID), logger.Err(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "Ok",
		"message":   fmt.Sprintf("Verification email sent to %s", in.Email),
		"requestId": req.RequestID,
		"token":     req.Token,
		"expiresAt": req.ExpiresAt.UTC().Format(time.RFC3339),
		"emailSent": sent,
	})
}

// HandleVerify consumes the emailed token. Answers are plain text for the
// browser that opened the link.
// GET /verify?token=...
func (a *App) HandleVerify(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeText(w, http.StatusBadRequest, "Missing token.")
		return
	}
	if _, err := a.activation.Verify(r.Context(), raw); err != nil {
		status, _, msg := classify(err)
		if status >= 500 {
			a.log.Error("verify failed", logger.Err(err))
		}
		writeText(w, status, msg)
		return
	}
	writeText(w, http.StatusOK, "Your device has been activated. You can close this window.")
}

// HandlePoll long-polls the state of a magic request.
// GET /api/v1/activations/{requestId}?timeout=ms
func (a *App) HandlePoll(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["requestId"]

	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeText(w, http.StatusBadRequest, "timeout must be a non-negative number of milliseconds.")
			return
		}
		if limit := int64(config.MaxPollCeiling / time.Millisecond); ms > limit {
			ms = limit
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	status, err := a.activation.Status(r.Context(), id, timeout)
	switch {
	case err == nil:
	case errors.Is(err, activation.ErrRequestNotFound):
		writeText(w, http.StatusNotFound, "Request not found.")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// client gone or server draining; a reconnecting client polls again
		status = store.StatusPending
	default:
		a.log.Error("poll failed", logger.RequestID(id), logger.Err(err))
		writeText(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// HandleDeviceToken issues an offline credential for a linked device.
// POST /api/v1/devices/token
func (a *App) HandleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var in deviceRequest
	if !a.decodeJSON(w, r, &in) {
		return
	}
	dt, err := a.activation.IssueDeviceToken(r.Context(), device(in.DeviceID, in.Fingerprint))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := map[string]any{"status": dt.Status, "token": nil, "expiresAt": nil}
	if dt.Status == activation.DeviceOK {
		out["token"] = dt.Token
		out["expiresAt"] = dt.ExpiresAt.UTC().Format(time.RFC3339)
		out["licenseId"] = dt.LicenseID
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleJWKS publishes the keys device tokens can be verified with.
// GET /.well-known/jwks.json
func (a *App) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.device.JWKS())
}

func (a *App) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Welcome to the root of the server")
}

func (a *App) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": a.cfg.Version})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptimeMS": time.Since(a.started).Milliseconds(),
		"version":  a.cfg.Version,
		"waiters":  a.activation.Waiters(),
	})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn("readiness check failed", logger.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// HandleEcho returns the decoded body, for checking client plumbing.
// POST /echo
func (a *App) HandleEcho(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if !a.decodeJSON(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":      body,
		"received_at":   time.Now().UnixMilli(),
		"contentLength": r.ContentLength,
	})
}
