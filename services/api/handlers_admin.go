package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetauth/pkg/apperr"
)

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Status == nil {
		respondError(w, http.StatusNotFound, errors.New("status export not configured"))
		return
	}
	snap := a.deps.Status.Last()
	if snap == nil || r.URL.Query().Get("fresh") == "1" {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		var err error
		if snap, err = a.deps.Status.Build(ctx); err != nil {
			respondErr(w, a.log, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, snap)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		respondError(w, http.StatusNotFound, errors.New("audit log not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondErr(w, a.log, apperr.Validation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.deps.Audit.Recent(ctx, strings.TrimSpace(r.URL.Query().Get("obj")), limit)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleLatestAuth reports canonical payload metadata. Tokens never leave
// through the admin surface.
func (a *API) handleLatestAuth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.deps.Canonical.Latest(ctx)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	if p == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "missing"})
		return
	}
	body := map[string]any{
		"status":       "ok",
		"id":           p.ID,
		"seq":          p.Seq,
		"digest":       p.SHA256,
		"last_refresh": p.LastRefresh,
		"created_at":   p.CreatedAt,
	}
	if p.SourceHostID != nil {
		body["source_host_id"] = *p.SourceHostID
	}
	respondJSON(w, http.StatusOK, body)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	versions, err := a.deps.Settings.VersionInfo(ctx, nil)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	partition, err := a.deps.Settings.QuotaWeekPartition(ctx)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"versions":             versions,
		"quota_week_partition": partition,
	})
}

type versionLockRequest struct {
	Version string `json:"version"`
}

func (a *API) handleVersionLock(w http.ResponseWriter, r *http.Request) {
	var req versionLockRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, a.log, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.deps.Settings.SetVersionLock(ctx, req.Version); err != nil {
		respondErr(w, a.log, err)
		return
	}
	versions, err := a.deps.Settings.VersionInfo(ctx, nil)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type quotaPartitionRequest struct {
	Value json.RawMessage `json:"value"`
}

// handleQuotaPartition accepts the value as a number or a string such as
// "off". Unrecognized input keeps the stored value.
func (a *API) handleQuotaPartition(w http.ResponseWriter, r *http.Request) {
	var req quotaPartitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, a.log, err)
		return
	}
	raw := strings.TrimSpace(string(req.Value))
	var s string
	if err := json.Unmarshal(req.Value, &s); err == nil {
		raw = s
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	value, changed, err := a.deps.Settings.SetQuotaWeekPartition(ctx, raw)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"quota_week_partition": value,
		"changed":              changed,
	})
}

type installTokenRequest struct {
	TTLMinutes int `json:"ttl_minutes,omitempty"`
}

func (a *API) handleIssueInstallToken(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tokens == nil {
		respondError(w, http.StatusNotFound, errors.New("install tokens not configured"))
		return
	}
	id, ok := a.hostID(w, r)
	if !ok {
		return
	}
	var req installTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondErr(w, a.log, err)
			return
		}
	}
	ttl := a.config.InstallTokenTTL
	if req.TTLMinutes < 0 {
		respondErr(w, a.log, apperr.Validation("ttl_minutes", "must not be negative"))
		return
	}
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	issued, err := a.deps.Tokens.Issue(ctx, id, ttl)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusCreated, map[string]any{
		"token":       issued.Token,
		"host_id":     issued.HostID,
		"expires_at":  issued.ExpiresAt.UTC().Format(time.RFC3339),
		"install_url": baseURL(r, a.config.PublicBaseURL) + "/v1/install/" + issued.Token,
	})
}
