package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetauth/pkg/apperr"
	"fleetauth/services/hosts"
)

type registerHostRequest struct {
	FQDN   string `json:"fqdn"`
	Secure *bool  `json:"secure"`
}

func (a *API) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var req registerHostRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, a.log, err)
		return
	}
	fqdn := strings.ToLower(strings.TrimSpace(req.FQDN))
	if fqdn == "" {
		respondErr(w, a.log, apperr.Validation("fqdn", "is required"))
		return
	}
	secure := true
	if req.Secure != nil {
		secure = *req.Secure
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	reg, err := a.deps.Hosts.Register(ctx, fqdn, secure)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusCreated, reg)
}

func (a *API) handleListHosts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.deps.Hosts.List(ctx)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	if list == nil {
		list = []hosts.Host{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"hosts": list})
}

func (a *API) handleGetHost(w http.ResponseWriter, r *http.Request) {
	a.withHost(w, r, a.deps.Hosts.Get)
}

func (a *API) handleSuspendHost(w http.ResponseWriter, r *http.Request) {
	a.withHost(w, r, a.deps.Hosts.Suspend)
}

func (a *API) handleReactivateHost(w http.ResponseWriter, r *http.Request) {
	a.withHost(w, r, a.deps.Hosts.Reactivate)
}

func (a *API) handleResetIP(w http.ResponseWriter, r *http.Request) {
	a.withHost(w, r, a.deps.Hosts.ResetIP)
}

func (a *API) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	id, ok := a.hostID(w, r)
	if !ok {
		return
	}
	var patch hosts.Patch
	if err := decodeJSON(r, &patch); err != nil {
		respondErr(w, a.log, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	h, err := a.deps.Hosts.Update(ctx, id, patch)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": h})
}

func (a *API) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	id, ok := a.hostID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.deps.Hosts.Delete(ctx, id); err != nil {
		respondErr(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type insecureRequest struct {
	Enabled bool `json:"enabled"`
	Minutes *int `json:"minutes,omitempty"`
}

func (a *API) handleInsecure(w http.ResponseWriter, r *http.Request) {
	id, ok := a.hostID(w, r)
	if !ok {
		return
	}
	var req insecureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, a.log, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var (
		h   *hosts.Host
		err error
	)
	if req.Enabled {
		h, err = a.deps.Hosts.EnableInsecure(ctx, id, req.Minutes)
	} else {
		h, err = a.deps.Hosts.DisableInsecure(ctx, id)
	}
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"host":   h,
		"window": h.WindowState(a.deps.Now()),
	})
}

func (a *API) handlePrune(w http.ResponseWriter, r *http.Request) {
	report, err := a.deps.Hosts.PruneStaleHosts(r.Context())
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	if report.Expired == nil {
		report.Expired = []string{}
	}
	if report.Inactive == nil {
		report.Inactive = []string{}
	}
	respondJSON(w, http.StatusOK, report)
}

func (a *API) withHost(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*hosts.Host, error)) {
	id, ok := a.hostID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	h, err := fn(ctx, id)
	if err != nil {
		respondErr(w, a.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": h})
}

func (a *API) hostID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		respondErr(w, a.log, apperr.Validation("id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}
