// Package api exposes the sync endpoint hosts call and the admin operations
// behind a bearer token.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetauth/services/audit"
	"fleetauth/services/authsync"
	"fleetauth/services/hosts"
	"fleetauth/services/installtokens"
	"fleetauth/services/ledger"
	"fleetauth/services/ratelimit"
	"fleetauth/services/settings"
	"fleetauth/services/statusexport"
)

const (
	defaultInstallTokenTTL = 30 * time.Minute
	defaultGlobalPerMinute = 600
)

// HostManager is the host lifecycle surface used by the handlers.
type HostManager interface {
	Register(ctx context.Context, fqdn string, secure bool) (*hosts.Registration, error)
	Authenticate(ctx context.Context, apiKey string, call hosts.CallInfo) (*hosts.Host, error)
	Get(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	List(ctx context.Context) ([]hosts.Host, error)
	EnableInsecure(ctx context.Context, id uuid.UUID, minutes *int) (*hosts.Host, error)
	DisableInsecure(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	Suspend(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	ResetIP(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	Update(ctx context.Context, id uuid.UUID, p hosts.Patch) (*hosts.Host, error)
	Delete(ctx context.Context, id uuid.UUID) error
	PruneStaleHosts(ctx context.Context) (hosts.PruneReport, error)
}

// Syncer runs the synchronization protocol.
type Syncer interface {
	Handle(ctx context.Context, req authsync.Request, h *hosts.Host, meta authsync.CallMeta) (*authsync.Response, error)
}

// Canonical reads the newest payload.
type Canonical interface {
	Latest(ctx context.Context) (*ledger.Payload, error)
}

// SettingsAdmin manages global settings.
type SettingsAdmin interface {
	SetVersionLock(ctx context.Context, version string) error
	VersionInfo(ctx context.Context, h *hosts.Host) (settings.Versions, error)
	QuotaWeekPartition(ctx context.Context) (int, error)
	SetQuotaWeekPartition(ctx context.Context, raw string) (int, bool, error)
}

// InstallTokens issues and redeems one-time installer tokens.
type InstallTokens interface {
	Issue(ctx context.Context, hostID uuid.UUID, ttl time.Duration) (*installtokens.Issued, error)
	Consume(ctx context.Context, token string) (*installtokens.Install, error)
}

// RateLimiter is the persistent per-IP limiter.
type RateLimiter interface {
	Hit(ctx context.Context, ip, bucket string, limit int, window time.Duration) (ratelimit.Result, error)
	Exceeded(ctx context.Context, ip, bucket string, limit int) (bool, time.Time, error)
}

// StatusReporter exposes the fleet snapshot.
type StatusReporter interface {
	Last() *statusexport.Snapshot
	Build(ctx context.Context) (*statusexport.Snapshot, error)
}

// AuditLog lists recorded events.
type AuditLog interface {
	Recent(ctx context.Context, obj string, limit int) ([]audit.Entry, error)
}

// Rate is a limit per window.
type Rate struct {
	Limit  int
	Window time.Duration
}

func (r Rate) enabled() bool { return r.Limit > 0 && r.Window > 0 }

// Limits holds one Rate per bucket.
type Limits struct {
	Sync     Rate
	AuthFail Rate
	Admin    Rate
	Install  Rate
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	PublicBaseURL   string
	AdminToken      string
	CORSOrigins     []string
	Limits          Limits
	InstallTokenTTL time.Duration
	// GlobalPerMinute caps requests per IP in memory before the database
	// limiter is consulted. Zero selects the default, negative disables it.
	GlobalPerMinute int
	// TrustedProxies lists the peers (CIDRs or single addresses) whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string
}

// Deps are the services the handlers call. Limiter, Tokens, Status and
// Audit are optional; the matching routes answer 404 without them.
type Deps struct {
	Hosts     HostManager
	Sync      Syncer
	Canonical Canonical
	Settings  SettingsAdmin
	Tokens    InstallTokens
	Limiter   RateLimiter
	Status    StatusReporter
	Audit     AuditLog
	Ready     func(ctx context.Context) error
	Logger    zerolog.Logger
	Now       func() time.Time
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	deps    Deps
	config  Config
	log     zerolog.Logger
	proxies []netip.Prefix
}

// New validates the dependencies and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Hosts == nil {
		return nil, errors.New("host manager is required")
	}
	if deps.Sync == nil {
		return nil, errors.New("sync service is required")
	}
	if deps.Canonical == nil {
		return nil, errors.New("canonical reader is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	if cfg.AdminToken == "" {
		return nil, errors.New("admin token is required")
	}
	if cfg.InstallTokenTTL <= 0 {
		cfg.InstallTokenTTL = defaultInstallTokenTTL
	}
	if cfg.GlobalPerMinute == 0 {
		cfg.GlobalPerMinute = defaultGlobalPerMinute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	proxies, err := parseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &API{
		deps:    deps,
		config:  cfg,
		log:     deps.Logger.With().Str("component", "api").Logger(),
		proxies: proxies,
	}, nil
}

func parseProxies(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
