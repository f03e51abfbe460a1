package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Payload is one immutable canonical credential snapshot.
type Payload struct {
	ID           uuid.UUID      `json:"id"`
	Seq          int64          `json:"seq"`
	LastRefresh  string         `json:"last_refresh"`
	SHA256       string         `json:"sha256"`
	SourceHostID *uuid.UUID     `json:"source_host_id,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Entries      []Entry        `json:"entries,omitempty"`
}

// Entry is a per-target credential. Token holds plaintext only in memory.
type Entry struct {
	Target       string         `json:"target"`
	Token        string         `json:"-"`
	TokenType    string         `json:"token_type,omitempty"`
	Organization string         `json:"organization,omitempty"`
	Project      string         `json:"project,omitempty"`
	APIBase      string         `json:"api_base,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// HostState is a host's cursor into the ledger.
type HostState struct {
	HostID     uuid.UUID `json:"host_id"`
	PayloadID  uuid.UUID `json:"payload_id"`
	SeenDigest string    `json:"seen_digest"`
	SeenAt     time.Time `json:"seen_at"`
}

type payloadModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Seq          int64             `gorm:"column:seq;->"`
	LastRefresh  string            `gorm:"type:text"`
	SHA256       string            `gorm:"column:sha256;type:text"`
	SourceHostID *uuid.UUID        `gorm:"type:uuid"`
	Extras       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz"`
}

func (payloadModel) TableName() string { return "auth_payloads" }

func (m payloadModel) toAPI() *Payload {
	return &Payload{
		ID:           m.ID,
		Seq:          m.Seq,
		LastRefresh:  m.LastRefresh,
		SHA256:       m.SHA256,
		SourceHostID: m.SourceHostID,
		Extras:       mapFromJSONMap(m.Extras),
		CreatedAt:    m.CreatedAt,
	}
}

type entryModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PayloadID    uuid.UUID         `gorm:"type:uuid"`
	Target       string            `gorm:"type:text"`
	TokenEnc     string            `gorm:"type:text"`
	TokenType    string            `gorm:"type:text"`
	Organization string            `gorm:"type:text"`
	Project      string            `gorm:"type:text"`
	APIBase      string            `gorm:"column:api_base;type:text"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz"`
}

func (entryModel) TableName() string { return "auth_payload_entries" }

type hostStateModel struct {
	HostID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	PayloadID  uuid.UUID `gorm:"type:uuid"`
	SeenDigest string    `gorm:"type:text"`
	SeenAt     time.Time `gorm:"type:timestamptz"`
}

func (hostStateModel) TableName() string { return "host_auth_states" }

func (m hostStateModel) toAPI() *HostState {
	return &HostState{
		HostID:     m.HostID,
		PayloadID:  m.PayloadID,
		SeenDigest: m.SeenDigest,
		SeenAt:     m.SeenAt,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
