package hosts

import (
	"time"

	"github.com/google/uuid"
)

type hostModel struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey"`
	FQDN                    string     `gorm:"column:fqdn;type:text"`
	APIKeyHash              string     `gorm:"column:api_key_hash;type:text"`
	APIKeyEnc               string     `gorm:"column:api_key_enc;type:text"`
	Status                  string     `gorm:"type:text"`
	Secure                  bool       `gorm:"column:secure"`
	VIP                     bool       `gorm:"column:vip"`
	AllowRoamingIPs         bool       `gorm:"column:allow_roaming_ips"`
	IP                      *string    `gorm:"column:ip;type:text"`
	ModelOverride           *string    `gorm:"column:model_override;type:text"`
	ReasoningEffortOverride *string    `gorm:"column:reasoning_effort_override;type:text"`
	ClientVersionOverride   *string    `gorm:"column:client_version_override;type:text"`
	ClientVersion           *string    `gorm:"column:client_version;type:text"`
	WrapperVersion          *string    `gorm:"column:wrapper_version;type:text"`
	InsecureEnabledUntil    *time.Time `gorm:"column:insecure_enabled_until;type:timestamptz"`
	InsecureGraceUntil      *time.Time `gorm:"column:insecure_grace_until;type:timestamptz"`
	InsecureWindowMinutes   *int       `gorm:"column:insecure_window_minutes"`
	LastRefresh             *string    `gorm:"column:last_refresh;type:text"`
	AuthDigest              *string    `gorm:"column:auth_digest;type:text"`
	APICalls                int64      `gorm:"column:api_calls"`
	LastSeenAt              *time.Time `gorm:"column:last_seen_at;type:timestamptz"`
	ExpiresAt               *time.Time `gorm:"column:expires_at;type:timestamptz"`
	CreatedAt               time.Time  `gorm:"column:created_at;type:timestamptz"`
	UpdatedAt               time.Time  `gorm:"column:updated_at;type:timestamptz"`
}

func (hostModel) TableName() string { return "hosts" }

func (m hostModel) toAPI() Host {
	return Host{
		ID:                      m.ID,
		FQDN:                    m.FQDN,
		APIKeyHash:              m.APIKeyHash,
		APIKeyEnc:               m.APIKeyEnc,
		Status:                  m.Status,
		Secure:                  m.Secure,
		VIP:                     m.VIP,
		AllowRoamingIPs:         m.AllowRoamingIPs,
		IP:                      m.IP,
		ModelOverride:           m.ModelOverride,
		ReasoningEffortOverride: m.ReasoningEffortOverride,
		ClientVersionOverride:   m.ClientVersionOverride,
		ClientVersion:           m.ClientVersion,
		WrapperVersion:          m.WrapperVersion,
		InsecureEnabledUntil:    m.InsecureEnabledUntil,
		InsecureGraceUntil:      m.InsecureGraceUntil,
		InsecureWindowMinutes:   m.InsecureWindowMinutes,
		LastRefresh:             m.LastRefresh,
		AuthDigest:              m.AuthDigest,
		APICalls:                m.APICalls,
		LastSeenAt:              m.LastSeenAt,
		ExpiresAt:               m.ExpiresAt,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

func modelFromHost(h *Host) hostModel {
	return hostModel{
		ID:                      h.ID,
		FQDN:                    h.FQDN,
		APIKeyHash:              h.APIKeyHash,
		APIKeyEnc:               h.APIKeyEnc,
		Status:                  h.Status,
		Secure:                  h.Secure,
		VIP:                     h.VIP,
		AllowRoamingIPs:         h.AllowRoamingIPs,
		IP:                      h.IP,
		ModelOverride:           h.ModelOverride,
		ReasoningEffortOverride: h.ReasoningEffortOverride,
		ClientVersionOverride:   h.ClientVersionOverride,
		ClientVersion:           h.ClientVersion,
		WrapperVersion:          h.WrapperVersion,
		InsecureEnabledUntil:    h.InsecureEnabledUntil,
		InsecureGraceUntil:      h.InsecureGraceUntil,
		InsecureWindowMinutes:   h.InsecureWindowMinutes,
		LastRefresh:             h.LastRefresh,
		AuthDigest:              h.AuthDigest,
		APICalls:                h.APICalls,
		LastSeenAt:              h.LastSeenAt,
		ExpiresAt:               h.ExpiresAt,
		CreatedAt:               h.CreatedAt,
		UpdatedAt:               h.UpdatedAt,
	}
}
