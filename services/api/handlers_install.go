package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleetauth/pkg/apperr"
)

// InstallConfig is what an installer receives for a valid token.
type InstallConfig struct {
	HostID  string `json:"host_id"`
	FQDN    string `json:"fqdn"`
	Secure  bool   `json:"secure"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	SyncURL string `json:"sync_url"`
}

func (a *API) handleInstall(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tokens == nil {
		respondError(w, http.StatusNotFound, errors.New("install tokens not configured"))
		return
	}
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		respondErr(w, a.log, apperr.Validation("token", "is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	inst, err := a.deps.Tokens.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("install token invalid or already used"))
			return
		}
		respondErr(w, a.log, err)
		return
	}

	base := baseURL(r, a.config.PublicBaseURL)
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, InstallConfig{
		HostID:  inst.Host.ID.String(),
		FQDN:    inst.Host.FQDN,
		Secure:  inst.Host.Secure,
		APIKey:  inst.APIKey,
		BaseURL: base,
		SyncURL: base + "/v1/auth",
	})
}
