package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetauth/pkg/apperr"
)

const maxBodyBytes = 1 << 20

// decodeJSON is used for admin bodies, which must not carry unknown fields.
func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return apperr.Validation("body", "request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return apperr.Validation("body", fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}

// decodeLenient accepts fields it does not know about. Sync clients of
// several generations post to the same endpoint.
func decodeLenient(r *http.Request, dest any) error {
	if r.Body == nil {
		return apperr.Validation("body", "request body required")
	}
	defer r.Body.Close()

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dest); err != nil {
		var ve *apperr.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return apperr.Validation("body", fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondErr maps the error taxonomy onto HTTP statuses. Unclassified errors
// are logged and reported as a generic 500.
func respondErr(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		rl   *apperr.RateLimitError
		gate *apperr.GateRejection
		ve   *apperr.ValidationError
	)
	switch {
	case errors.As(err, &rl):
		respondRateLimited(w, rl.ResetAt)
	case errors.As(err, &gate):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  apperr.ErrTrustGate.Error(),
			"reason": gate.Reason,
			"validation": map[string]any{
				"status":     "fail",
				"reason":     gate.Reason,
				"reachable":  gate.Reachable,
				"latency_ms": gate.LatencyMS,
			},
		})
	case errors.As(err, &ve):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  apperr.ErrValidation.Error(),
			"reason": ve.Reason,
			"fields": ve.Fields,
		})
	case errors.Is(err, apperr.ErrValidation):
		respondError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, apperr.ErrAuthentication):
		respondError(w, http.StatusUnauthorized, apperr.ErrAuthentication)
	case errors.Is(err, apperr.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, apperr.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, apperr.ErrConflict):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, apperr.ErrRateLimited):
		respondRateLimited(w, time.Time{})
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func respondRateLimited(w http.ResponseWriter, resetAt time.Time) {
	body := map[string]any{"error": apperr.ErrRateLimited.Error()}
	if !resetAt.IsZero() {
		wait := int(math.Ceil(time.Until(resetAt).Seconds()))
		if wait < 1 {
			wait = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(wait))
		body["reset_at"] = resetAt.UTC().Format(time.RFC3339)
	}
	respondJSON(w, http.StatusTooManyRequests, body)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// clientIP returns the caller address. realIP has already rewritten
// RemoteAddr for requests relayed by a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// apiKeyFrom reads the host key from X-API-Key, a bearer token or the
// api_key query parameter, in that order.
func apiKeyFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	if v := bearer(r); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func baseURL(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
