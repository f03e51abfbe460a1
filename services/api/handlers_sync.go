package api

import (
	"errors"
	"net/http"
	"strings"

	"fleetauth/pkg/apperr"
	"fleetauth/services/authsync"
	"fleetauth/services/hosts"
	"fleetauth/services/ratelimit"
)

// handleSync serves POST /v1/auth. The sync bucket was already counted by
// middleware; repeated authentication failures from one address lock it
// out through the auth_fail bucket before any key lookup happens.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	failRate := a.config.Limits.AuthFail

	if a.deps.Limiter != nil && failRate.enabled() {
		exceeded, resetAt, err := a.deps.Limiter.Exceeded(r.Context(), ip, ratelimit.BucketAuthFail, failRate.Limit)
		if err != nil {
			respondErr(w, a.log, err)
			return
		}
		if exceeded {
			respondErr(w, a.log, &apperr.RateLimitError{Bucket: ratelimit.BucketAuthFail, ResetAt: resetAt})
			return
		}
	}

	var req authsync.Request
	if err := decodeLenient(r, &req); err != nil {
		respondErr(w, a.log, err)
		return
	}

	apiKey := apiKeyFrom(r)
	if apiKey == "" {
		apiKey = strings.TrimSpace(req.APIKey)
	}
	clientVersion := firstNonEmpty(r.Header.Get("X-Client-Version"), req.ClientVersion)
	wrapperVersion := firstNonEmpty(r.Header.Get("X-Wrapper-Version"), req.WrapperVersion)

	host, err := a.deps.Hosts.Authenticate(r.Context(), apiKey, hosts.CallInfo{
		IP:             ip,
		ClientVersion:  clientVersion,
		WrapperVersion: wrapperVersion,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			a.countAuthFailure(r, ip)
		}
		respondErr(w, a.log, err)
		return
	}

	resp, err := a.deps.Sync.Handle(r.Context(), req, host, authsync.CallMeta{
		ClientVersion:  clientVersion,
		WrapperVersion: wrapperVersion,
		BaseURL:        baseURL(r, a.config.PublicBaseURL),
		APIKey:         apiKey,
		IP:             ip,
	})
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) countAuthFailure(r *http.Request, ip string) {
	rate := a.config.Limits.AuthFail
	if a.deps.Limiter == nil || !rate.enabled() {
		return
	}
	if _, err := a.deps.Limiter.Hit(r.Context(), ip, ratelimit.BucketAuthFail, rate.Limit, rate.Window); err != nil {
		a.log.Warn().Err(err).Msg("count authentication failure")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
