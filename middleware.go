package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/licensing/internal/logger"
)

// AdminAuth checks the X-API-Key header (or a bearer token) against the
// bcrypt hash in ADMIN_API_KEY_HASH.
func (a *App) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AdminAPIKeyHash == "" {
			writeError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "Admin API is not configured")
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminAPIKeyHash), []byte(apiKey)) != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS handles CORS headers. Only origins listed in ALLOWED_ORIGINS are
// echoed back; "*" allows any.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range a.cfg.AllowedOrigins {
				if o == origin || o == "*" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimit throttles a route per client address.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := a.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			// fail open
			a.log.Warn("rate limiter unavailable", logger.Err(err))
			next.ServeHTTP(w, r)
			return
		}
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		next.ServeHTTP(w, r)
	})
}

// Logging logs each request and records it in the HTTP metrics under its
// route template.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		a.metrics.HTTPRequest(r.Method, route, wrapped.statusCode, duration)
		a.log.Info("request",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(wrapped.statusCode),
			logger.Duration(duration),
			logger.ClientIP(clientIP(r)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeJSON enforces the JSON body rules shared by every JSON endpoint:
// application/json (400), at most MAX_BODY_BYTES (413), well-formed JSON
// (400) and present required fields (417). It writes the response and
// returns false on failure.
func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		writeError(w, http.StatusBadRequest, "INVALID_CONTENT_TYPE", "Requests to this endpoint must have Content-Type of application/json.")
		return false
	}
	if r.ContentLength > a.cfg.MaxBodyBytes {
		writePayloadTooLarge(w, a.cfg.MaxBodyBytes)
		return false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writePayloadTooLarge(w, a.cfg.MaxBodyBytes)
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read request body.")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format in request body.")
		return false
	}

	if reflect.Indirect(reflect.ValueOf(dst)).Kind() != reflect.Struct {
		return true
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return false
		}
		var missing, invalid []string
		for _, fe := range verrs {
			if strings.HasPrefix(fe.Tag(), "required") {
				missing = append(missing, fe.Field())
			} else {
				invalid = append(invalid, fe.Field()+":"+fe.Tag())
			}
		}
		if len(missing) > 0 {
			writeAPIError(w, http.StatusExpectationFailed, APIError{
				Code:    "MISSING_FIELD",
				Message: "Body must contain field: " + missing[0],
				Details: strings.Join(missing, ","),
			})
			return false
		}
		writeAPIError(w, http.StatusBadRequest, APIError{
			Code:    "INVALID_FIELD",
			Message: fmt.Sprintf("Field %s failed %s validation.", verrs[0].Field(), verrs[0].Tag()),
			Details: strings.Join(invalid, ","),
		})
		return false
	}
	return true
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", fmt.Sprintf("Payload must be shorter than %d bytes.", limit))
}
