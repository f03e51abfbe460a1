// Package hosts manages the fleet: registration, API key authentication,
// provisional leases, the insecure exposure window and pruning.
package hosts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetauth/pkg/apperr"
	"fleetauth/pkg/bus"
	"fleetauth/pkg/envelope"
	"fleetauth/pkg/metrics"
)

const (
	defaultLeaseDuration    = 2 * time.Hour
	defaultProvisionalTTL   = 30 * time.Minute
	defaultInactivityWindow = 30 * 24 * time.Hour
	defaultGracePeriod      = 5 * time.Minute

	apiKeyBytes = 32
)

var (
	fqdnPattern            = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	reasoningEffortChoices = map[string]bool{"minimal": true, "low": true, "medium": true, "high": true}
)

// StatusSink receives a nudge after every change to the host list.
type StatusSink interface {
	Regenerate(ctx context.Context) error
}

// Config controls Manager behaviour.
type Config struct {
	LeaseDuration    time.Duration
	ProvisionalTTL   time.Duration
	InactivityWindow time.Duration
	GracePeriod      time.Duration
	Bus              bus.Publisher
	Status           StatusSink
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Manager implements the host lifecycle.
type Manager struct {
	store  Store
	cipher *envelope.Cipher
	cfg    Config
	log    zerolog.Logger
}

// NewManager applies defaults to cfg and returns a Manager.
func NewManager(store Store, cipher *envelope.Cipher, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("host store is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.ProvisionalTTL <= 0 {
		cfg.ProvisionalTTL = defaultProvisionalTTL
	}
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = defaultInactivityWindow
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:  store,
		cipher: cipher,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "hosts").Logger(),
	}, nil
}

// Registration is returned once by Register. APIKey is never stored in clear.
type Registration struct {
	Host                 *Host      `json:"-"`
	ID                   uuid.UUID  `json:"id"`
	FQDN                 string     `json:"fqdn"`
	Secure               bool       `json:"secure"`
	APIKey               string     `json:"api_key"`
	InsecureEnabledUntil *time.Time `json:"insecure_enabled_until,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

// Register creates a provisional host and returns its plaintext API key.
func (m *Manager) Register(ctx context.Context, fqdn string, secure bool) (*Registration, error) {
	fqdn = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(fqdn)), ".")
	if fqdn == "" || len(fqdn) > 253 || !fqdnPattern.MatchString(fqdn) {
		return nil, apperr.Validation("fqdn", "must be a valid hostname")
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	enc, err := m.cipher.Encrypt(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}

	now := m.now()
	expires := now.Add(m.cfg.ProvisionalTTL)
	h := &Host{
		ID:         uuid.New(),
		FQDN:       fqdn,
		APIKeyHash: HashAPIKey(key),
		APIKeyEnc:  enc,
		Status:     StatusActive,
		Secure:     secure,
		ExpiresAt:  &expires,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !secure {
		m.openWindow(h, DefaultInsecureWindowMinutes, now)
	}

	if err := m.store.Create(ctx, h); err != nil {
		return nil, err
	}

	m.log.Info().Str("host_id", h.ID.String()).Str("fqdn", h.FQDN).Bool("secure", secure).Msg("host registered")
	m.publish(ctx, bus.SubjectHostRegistered, h, "registered")
	m.regenerate(ctx)

	return &Registration{
		Host:                 h,
		ID:                   h.ID,
		FQDN:                 h.FQDN,
		Secure:               h.Secure,
		APIKey:               key,
		InsecureEnabledUntil: h.InsecureEnabledUntil,
		ExpiresAt:            h.ExpiresAt,
	}, nil
}

// CallInfo is what a caller reports alongside its API key.
type CallInfo struct {
	IP             string
	ClientVersion  string
	WrapperVersion string
}

// Authenticate resolves apiKey to an active host and records the call:
// api_calls, caller IP, reported versions and lease renewal happen in one
// atomic update.
func (m *Manager) Authenticate(ctx context.Context, apiKey string, call CallInfo) (*Host, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.ErrAuthentication
	}
	hash := HashAPIKey(apiKey)
	h, err := m.store.FindByKeyHash(ctx, hash)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrAuthentication
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(h.APIKeyHash), []byte(hash)) != 1 {
		return nil, apperr.ErrAuthentication
	}
	if h.Status != StatusActive {
		return nil, apperr.ErrAuthentication
	}
	if call.IP != "" && h.IP != nil && *h.IP != "" && *h.IP != call.IP && !h.AllowRoamingIPs {
		m.log.Warn().Str("host_id", h.ID.String()).Str("ip", call.IP).Msg("caller ip does not match locked ip")
		return nil, fmt.Errorf("caller ip not allowed for host: %w", apperr.ErrForbidden)
	}

	now := m.now()
	touched, err := m.store.Touch(ctx, h.ID, Touch{
		At:             now,
		IP:             call.IP,
		ClientVersion:  strings.TrimSpace(call.ClientVersion),
		WrapperVersion: strings.TrimSpace(call.WrapperVersion),
		LeaseUntil:     now.Add(m.cfg.LeaseDuration),
	})
	if errors.Is(err, errTouchRejected) {
		return nil, fmt.Errorf("host changed during authentication: %w", apperr.ErrForbidden)
	}
	if err != nil {
		return nil, fmt.Errorf("record host call: %w", err)
	}
	return touched, nil
}

// Get returns a host by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Host, error) {
	return m.store.Get(ctx, id)
}

// List returns every host ordered by fqdn.
func (m *Manager) List(ctx context.Context) ([]Host, error) {
	return m.store.List(ctx)
}

// APIKey recovers the plaintext key of a host, for re-issuing installers.
func (m *Manager) APIKey(ctx context.Context, id uuid.UUID) (string, error) {
	h, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	key, err := m.cipher.Decrypt(h.APIKeyEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return key, nil
}

// EnableInsecure opens the insecure window for minutes (clamped to
// [0, 480], nil means the default of 10).
func (m *Manager) EnableInsecure(ctx context.Context, id uuid.UUID, minutes *int) (*Host, error) {
	h, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Secure {
		return nil, apperr.Validation("secure", "insecure window only applies to insecure hosts")
	}
	now := m.now()
	m.openWindow(h, ClampInsecureMinutes(minutes), now)
	return m.update(ctx, id, map[string]any{
		"insecure_enabled_until":  h.InsecureEnabledUntil,
		"insecure_grace_until":    h.InsecureGraceUntil,
		"insecure_window_minutes": h.InsecureWindowMinutes,
		"updated_at":              now,
	}, "insecure_enabled")
}

// DisableInsecure closes the window immediately, without grace.
func (m *Manager) DisableInsecure(ctx context.Context, id uuid.UUID) (*Host, error) {
	return m.update(ctx, id, map[string]any{
		"insecure_enabled_until": nil,
		"insecure_grace_until":   nil,
		"updated_at":             m.now(),
	}, "insecure_disabled")
}

// Suspend blocks every further call with the host's key.
func (m *Manager) Suspend(ctx context.Context, id uuid.UUID) (*Host, error) {
	return m.update(ctx, id, map[string]any{"status": StatusSuspended, "updated_at": m.now()}, "suspended")
}

// Reactivate lifts a suspension.
func (m *Manager) Reactivate(ctx context.Context, id uuid.UUID) (*Host, error) {
	return m.update(ctx, id, map[string]any{"status": StatusActive, "updated_at": m.now()}, "reactivated")
}

// ResetIP forgets the locked caller IP; the next call locks a new one.
func (m *Manager) ResetIP(ctx context.Context, id uuid.UUID) (*Host, error) {
	return m.update(ctx, id, map[string]any{"ip": nil, "updated_at": m.now()}, "ip_reset")
}

// Patch lists admin-editable host settings. Nil fields are left alone and
// empty override strings clear the override.
type Patch struct {
	Secure                  *bool   `json:"secure,omitempty"`
	VIP                     *bool   `json:"vip,omitempty"`
	AllowRoamingIPs         *bool   `json:"allow_roaming_ips,omitempty"`
	ModelOverride           *string `json:"model_override,omitempty"`
	ReasoningEffortOverride *string `json:"reasoning_effort_override,omitempty"`
	ClientVersionOverride   *string `json:"client_version_override,omitempty"`
}

// Update applies p to the host.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, p Patch) (*Host, error) {
	fields := map[string]any{}
	if p.Secure != nil {
		fields["secure"] = *p.Secure
		if *p.Secure {
			fields["insecure_enabled_until"] = nil
			fields["insecure_grace_until"] = nil
		}
	}
	if p.VIP != nil {
		fields["vip"] = *p.VIP
	}
	if p.AllowRoamingIPs != nil {
		fields["allow_roaming_ips"] = *p.AllowRoamingIPs
	}
	if p.ModelOverride != nil {
		fields["model_override"] = optional(*p.ModelOverride)
	}
	if p.ReasoningEffortOverride != nil {
		v := strings.ToLower(strings.TrimSpace(*p.ReasoningEffortOverride))
		if v != "" && !reasoningEffortChoices[v] {
			return nil, apperr.Validation("reasoning_effort_override", "must be one of minimal, low, medium, high")
		}
		fields["reasoning_effort_override"] = optional(v)
	}
	if p.ClientVersionOverride != nil {
		fields["client_version_override"] = optional(*p.ClientVersionOverride)
	}
	if len(fields) == 0 {
		return nil, apperr.Validation("patch", "no changes supplied")
	}
	fields["updated_at"] = m.now()
	return m.update(ctx, id, fields, "updated")
}

// Delete removes a host outright.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	h, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Info().Str("host_id", id.String()).Str("fqdn", h.FQDN).Msg("host deleted")
	m.publish(ctx, bus.SubjectHostUpdated, h, "deleted")
	m.regenerate(ctx)
	return nil
}

// PruneReport lists the fqdns removed by PruneStaleHosts.
type PruneReport struct {
	Expired  []string `json:"expired"`
	Inactive []string `json:"inactive"`
}

// Total is the number of hosts removed.
func (r PruneReport) Total() int { return len(r.Expired) + len(r.Inactive) }

// PruneStaleHosts applies the expiry and inactivity rules. Each deletion is
// logged before the row goes away and the status snapshot is regenerated
// once afterward.
func (m *Manager) PruneStaleHosts(ctx context.Context) (PruneReport, error) {
	report := PruneReport{Expired: []string{}, Inactive: []string{}}
	now := m.now()
	cutoff := now.Add(-m.cfg.InactivityWindow)

	candidates, err := m.store.PruneCandidates(ctx, now, cutoff)
	if err != nil {
		return report, err
	}

	for _, c := range candidates {
		m.log.Info().
			Str("host_id", c.Host.ID.String()).
			Str("fqdn", c.Host.FQDN).
			Str("reason", c.Reason).
			Msg("pruning host")

		deleted, err := m.store.DeleteStale(ctx, c, now, cutoff)
		if err != nil {
			return report, fmt.Errorf("prune %s: %w", c.Host.FQDN, err)
		}
		if !deleted {
			m.log.Info().Str("host_id", c.Host.ID.String()).Msg("host no longer stale, kept")
			continue
		}

		metrics.HostsPruned.WithLabelValues(c.Reason).Inc()
		if c.Reason == ReasonExpired {
			report.Expired = append(report.Expired, c.Host.FQDN)
		} else {
			report.Inactive = append(report.Inactive, c.Host.FQDN)
		}
		host := c.Host
		m.publishPayload(ctx, bus.SubjectHostPruned, map[string]any{
			"host_id": host.ID.String(),
			"fqdn":    host.FQDN,
			"reason":  c.Reason,
		})
	}

	if report.Total() > 0 {
		m.regenerate(ctx)
	}
	return report, nil
}

// RunPruner calls PruneStaleHosts every interval until ctx is done.
func (m *Manager) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.PruneStaleHosts(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("prune stale hosts")
				continue
			}
			if report.Total() > 0 {
				m.log.Info().Int("expired", len(report.Expired)).Int("inactive", len(report.Inactive)).Msg("pruned stale hosts")
			}
		}
	}
}

// HashAPIKey returns the lookup hash stored for an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) openWindow(h *Host, minutes int, now time.Time) {
	until := now.Add(time.Duration(minutes) * time.Minute)
	grace := until.Add(m.cfg.GracePeriod)
	h.InsecureEnabledUntil = &until
	h.InsecureGraceUntil = &grace
	h.InsecureWindowMinutes = &minutes
}

func (m *Manager) update(ctx context.Context, id uuid.UUID, fields map[string]any, action string) (*Host, error) {
	h, err := m.store.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("host_id", id.String()).Str("action", action).Msg("host updated")
	m.publish(ctx, bus.SubjectHostUpdated, h, action)
	m.regenerate(ctx)
	return h, nil
}

func (m *Manager) publish(ctx context.Context, subject string, h *Host, action string) {
	m.publishPayload(ctx, subject, map[string]any{
		"host_id": h.ID.String(),
		"fqdn":    h.FQDN,
		"action":  action,
		"status":  h.Status,
		"secure":  h.Secure,
	})
}

func (m *Manager) publishPayload(ctx context.Context, subject string, payload map[string]any) {
	if err := m.cfg.Bus.Publish(ctx, subject, payload); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func (m *Manager) regenerate(ctx context.Context) {
	if m.cfg.Status == nil {
		return
	}
	if err := m.cfg.Status.Regenerate(ctx); err != nil {
		m.log.Warn().Err(err).Msg("regenerate status snapshot")
	}
}

func (m *Manager) now() time.Time {
	return m.cfg.Now().UTC()
}

func generateKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func optional(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return v
}
