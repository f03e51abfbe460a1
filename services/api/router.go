package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetauth/pkg/apperr"
	"fleetauth/services/ratelimit"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.realIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if a.config.GlobalPerMinute > 0 {
		r.Use(httprate.LimitByIP(a.config.GlobalPerMinute, time.Minute))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(a.limit(ratelimit.BucketSync, a.config.Limits.Sync)).Post("/auth", a.handleSync)
		r.With(a.limit(ratelimit.BucketInstall, a.config.Limits.Install)).Get("/install/{token}", a.handleInstall)

		r.Route("/admin", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: a.config.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         300,
			}))
			r.Use(a.limit(ratelimit.BucketAdmin, a.config.Limits.Admin))
			r.Use(a.requireAdmin)

			r.Post("/hosts", a.handleRegisterHost)
			r.Get("/hosts", a.handleListHosts)
			r.Route("/hosts/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetHost)
				r.Patch("/", a.handleUpdateHost)
				r.Delete("/", a.handleDeleteHost)
				r.Post("/suspend", a.handleSuspendHost)
				r.Post("/reactivate", a.handleReactivateHost)
				r.Post("/reset-ip", a.handleResetIP)
				r.Post("/insecure", a.handleInsecure)
				r.Post("/install-token", a.handleIssueInstallToken)
			})
			r.Post("/prune", a.handlePrune)
			r.Get("/status", a.handleStatus)
			r.Get("/audit", a.handleAudit)
			r.Get("/auth/latest", a.handleLatestAuth)
			r.Get("/settings", a.handleGetSettings)
			r.Put("/settings/version-lock", a.handleVersionLock)
			r.Put("/settings/quota-partition", a.handleQuotaPartition)
		})
	})

	return r, nil
}

// limit counts every request against bucket before the handler runs.
func (a *API) limit(bucket string, rate Rate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a.deps.Limiter == nil || !rate.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := a.deps.Limiter.Hit(r.Context(), clientIP(r), bucket, rate.Limit, rate.Window)
			if err != nil {
				respondErr(w, a.log, err)
				return
			}
			if !res.Allowed {
				respondErr(w, a.log, &apperr.RateLimitError{Bucket: bucket, ResetAt: res.ResetAt})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	want := []byte(a.config.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(bearer(r))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			a.log.Warn().Err(err).Msg("readiness check failed")
			respondError(w, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
