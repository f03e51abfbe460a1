package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Host struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey"`
	FQDN                    string     `gorm:"column:fqdn;type:text;uniqueIndex;not null"`
	APIKeyHash              string     `gorm:"column:api_key_hash;type:text;uniqueIndex;not null"`
	APIKeyEnc               string     `gorm:"column:api_key_enc;type:text;not null"`
	Status                  string     `gorm:"type:text;not null;default:active"`
	Secure                  bool       `gorm:"not null;default:true"`
	VIP                     bool       `gorm:"column:vip;not null;default:false"`
	AllowRoamingIPs         bool       `gorm:"column:allow_roaming_ips;not null;default:false"`
	IP                      *string    `gorm:"column:ip;type:text"`
	ModelOverride           *string    `gorm:"type:text"`
	ReasoningEffortOverride *string    `gorm:"type:text"`
	ClientVersionOverride   *string    `gorm:"type:text"`
	ClientVersion           *string    `gorm:"type:text"`
	WrapperVersion          *string    `gorm:"type:text"`
	InsecureEnabledUntil    *time.Time `gorm:"type:timestamptz"`
	InsecureGraceUntil      *time.Time `gorm:"type:timestamptz"`
	InsecureWindowMinutes   *int       `gorm:"type:integer"`
	LastRefresh             *string    `gorm:"type:text"`
	AuthDigest              *string    `gorm:"type:text"`
	APICalls                int64      `gorm:"column:api_calls;type:bigint;not null;default:0"`
	LastSeenAt              *time.Time `gorm:"type:timestamptz"`
	ExpiresAt               *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt               time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt               time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type AuthPayload struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Seq          int64             `gorm:"type:bigserial;not null;uniqueIndex"`
	LastRefresh  string            `gorm:"type:text;not null"`
	SHA256       string            `gorm:"column:sha256;type:text;not null;index"`
	SourceHostID *uuid.UUID        `gorm:"type:uuid"`
	Extras       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	SourceHost   Host              `gorm:"foreignKey:SourceHostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type AuthPayloadEntry struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PayloadID    uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_auth_payload_entries_target"`
	Target       string            `gorm:"type:text;not null;uniqueIndex:idx_auth_payload_entries_target"`
	TokenEnc     string            `gorm:"type:text;not null"`
	TokenType    string            `gorm:"type:text"`
	Organization string            `gorm:"type:text"`
	Project      string            `gorm:"type:text"`
	APIBase      string            `gorm:"column:api_base;type:text"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Payload      AuthPayload       `gorm:"foreignKey:PayloadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type HostAuthState struct {
	HostID     uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PayloadID  uuid.UUID   `gorm:"type:uuid;not null"`
	SeenDigest string      `gorm:"type:text;not null"`
	SeenAt     time.Time   `gorm:"type:timestamptz;not null"`
	Host       Host        `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Payload    AuthPayload `gorm:"foreignKey:PayloadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type HostAuthDigest struct {
	ID     int64     `gorm:"type:bigserial;primaryKey"`
	HostID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_host_auth_digests_host_digest"`
	Digest string    `gorm:"type:text;not null;uniqueIndex:idx_host_auth_digests_host_digest"`
	SeenAt time.Time `gorm:"type:timestamptz;not null"`
	Host   Host      `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type RateLimitBucket struct {
	IP        string    `gorm:"column:ip;type:text;primaryKey"`
	Bucket    string    `gorm:"type:text;primaryKey"`
	Count     int       `gorm:"type:integer;not null"`
	ResetAt   time.Time `gorm:"type:timestamptz;not null;index"`
	LastHit   time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type InstallToken struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	HostID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	TokenHash string     `gorm:"type:text;uniqueIndex;not null"`
	TokenEnc  string     `gorm:"type:text;not null"`
	ExpiresAt time.Time  `gorm:"type:timestamptz;not null"`
	UsedAt    *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Host      Host       `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Setting struct {
	Key       string    `gorm:"type:text;primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type MaintenanceMarker struct {
	Name        string            `gorm:"type:text;primaryKey"`
	CompletedAt time.Time         `gorm:"type:timestamptz;not null"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Host{},
		&AuthPayload{},
		&AuthPayloadEntry{},
		&HostAuthState{},
		&HostAuthDigest{},
		&RateLimitBucket{},
		&InstallToken{},
		&Setting{},
		&MaintenanceMarker{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	constraints := []struct {
		model any
		name  string
	}{
		{&AuthPayload{}, "SourceHost"},
		{&AuthPayloadEntry{}, "Payload"},
		{&HostAuthState{}, "Host"},
		{&HostAuthState{}, "Payload"},
		{&HostAuthDigest{}, "Host"},
		{&InstallToken{}, "Host"},
	}
	for _, c := range constraints {
		if m.HasConstraint(c.model, c.name) {
			continue
		}
		if err := m.CreateConstraint(c.model, c.name); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&MaintenanceMarker{},
		&Setting{},
		&InstallToken{},
		&RateLimitBucket{},
		&HostAuthDigest{},
		&HostAuthState{},
		&AuthPayloadEntry{},
		&AuthPayload{},
		&Host{},
	); err != nil {
		return err
	}

	return nil
}
