package hosts

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status values for Host.Status.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Insecure window bounds in minutes.
const (
	MinInsecureWindowMinutes     = 0
	MaxInsecureWindowMinutes     = 480
	DefaultInsecureWindowMinutes = 10
)

// WindowState is the insecure window phase of a host.
type WindowState string

const (
	WindowClosed WindowState = "closed"
	WindowOpen   WindowState = "open"
	WindowGrace  WindowState = "grace"
)

// Prune reasons.
const (
	ReasonExpired  = "expired"
	ReasonInactive = "inactive"
)

// Host is a fleet member.
type Host struct {
	ID                      uuid.UUID  `json:"id"`
	FQDN                    string     `json:"fqdn"`
	APIKeyHash              string     `json:"-"`
	APIKeyEnc               string     `json:"-"`
	Status                  string     `json:"status"`
	Secure                  bool       `json:"secure"`
	VIP                     bool       `json:"vip"`
	AllowRoamingIPs         bool       `json:"allow_roaming_ips"`
	IP                      *string    `json:"ip,omitempty"`
	ModelOverride           *string    `json:"model_override,omitempty"`
	ReasoningEffortOverride *string    `json:"reasoning_effort_override,omitempty"`
	ClientVersionOverride   *string    `json:"client_version_override,omitempty"`
	ClientVersion           *string    `json:"client_version,omitempty"`
	WrapperVersion          *string    `json:"wrapper_version,omitempty"`
	InsecureEnabledUntil    *time.Time `json:"insecure_enabled_until,omitempty"`
	InsecureGraceUntil      *time.Time `json:"insecure_grace_until,omitempty"`
	InsecureWindowMinutes   *int       `json:"insecure_window_minutes,omitempty"`
	LastRefresh             *string    `json:"last_refresh,omitempty"`
	AuthDigest              *string    `json:"auth_digest,omitempty"`
	APICalls                int64      `json:"api_calls"`
	LastSeenAt              *time.Time `json:"last_seen_at,omitempty"`
	ExpiresAt               *time.Time `json:"expires_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Activated reports whether the host has shown any sign of life. Activated
// hosts are only ever pruned for inactivity.
func (h *Host) Activated() bool {
	if h == nil {
		return false
	}
	return nonEmpty(h.LastRefresh) || nonEmpty(h.AuthDigest) || h.APICalls > 0
}

// Provisional reports whether the host is still running on a lease.
func (h *Host) Provisional() bool {
	return h != nil && h.ExpiresAt != nil
}

// WindowState returns the insecure window phase at now.
func (h *Host) WindowState(now time.Time) WindowState {
	if h == nil {
		return WindowClosed
	}
	if h.InsecureEnabledUntil != nil && now.Before(*h.InsecureEnabledUntil) {
		return WindowOpen
	}
	if h.InsecureGraceUntil != nil && now.Before(*h.InsecureGraceUntil) {
		return WindowGrace
	}
	return WindowClosed
}

// RetrieveAllowed reports whether the host may receive raw credentials.
func (h *Host) RetrieveAllowed(now time.Time) bool {
	if h == nil {
		return false
	}
	if h.Secure {
		return true
	}
	return h.WindowState(now) != WindowClosed
}

// LastContact is the timestamp the inactivity rule compares against.
func (h *Host) LastContact() time.Time {
	if h.LastSeenAt != nil {
		return *h.LastSeenAt
	}
	return h.UpdatedAt
}

// ClampInsecureMinutes applies the window bounds. nil selects the default.
func ClampInsecureMinutes(minutes *int) int {
	if minutes == nil {
		return DefaultInsecureWindowMinutes
	}
	m := *minutes
	if m < MinInsecureWindowMinutes {
		return MinInsecureWindowMinutes
	}
	if m > MaxInsecureWindowMinutes {
		return MaxInsecureWindowMinutes
	}
	return m
}

// NormalizeQuotaWeekPartition maps raw admin input onto {0, 5, 7}. The second
// return value is false for anything else, and callers must then keep the
// previous value rather than treat it as zero.
func NormalizeQuotaWeekPartition(raw string) (int, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "off", "none", "disabled":
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	switch n {
	case 0, 5, 7:
		return n, true
	}
	return 0, false
}

// Quota enforcement modes.
const (
	QuotaEnforce = "enforce"
	QuotaWarn    = "warn"
)

// QuotaMode returns how quota overruns are treated for the host. VIP hosts
// are only warned.
func QuotaMode(h *Host) string {
	if h != nil && h.VIP {
		return QuotaWarn
	}
	return QuotaEnforce
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
