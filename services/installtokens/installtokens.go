// Package installtokens issues one-time tokens that let an installer fetch
// a host's configuration, API key included, exactly once.
package installtokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleetauth/pkg/apperr"
	"fleetauth/pkg/envelope"
	"fleetauth/services/hosts"
)

const (
	DefaultTTL = 30 * time.Minute
	tokenBytes = 24
)

// ErrTokenInvalid covers unknown, expired and already used tokens alike.
var ErrTokenInvalid = fmt.Errorf("install token invalid or already used: %w", apperr.ErrNotFound)

type tokenModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	HostID    uuid.UUID  `gorm:"type:uuid"`
	TokenHash string     `gorm:"type:text"`
	TokenEnc  string     `gorm:"type:text"`
	ExpiresAt time.Time  `gorm:"type:timestamptz"`
	UsedAt    *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz"`
}

func (tokenModel) TableName() string { return "install_tokens" }

// Hosts resolves the host a token was issued for.
type Hosts interface {
	Get(ctx context.Context, id uuid.UUID) (*hosts.Host, error)
	APIKey(ctx context.Context, id uuid.UUID) (string, error)
}

// Issued is returned once by Issue.
type Issued struct {
	Token     string    `json:"token"`
	HostID    uuid.UUID `json:"host_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Install is what a consumed token unlocks.
type Install struct {
	Host   *hosts.Host
	APIKey string
}

// Service issues and consumes install tokens.
type Service struct {
	orm    *gorm.DB
	cipher *envelope.Cipher
	hosts  Hosts
	Now    func() time.Time
}

// New returns a Service.
func New(orm *gorm.DB, cipher *envelope.Cipher, h Hosts) (*Service, error) {
	if orm == nil || cipher == nil || h == nil {
		return nil, errors.New("orm, cipher and hosts are required")
	}
	return &Service{orm: orm, cipher: cipher, hosts: h, Now: time.Now}, nil
}

// Issue creates a token for hostID valid for ttl.
func (s *Service) Issue(ctx context.Context, hostID uuid.UUID, ttl time.Duration) (*Issued, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, err := s.hosts.Get(ctx, hostID); err != nil {
		return nil, err
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate install token: %w", err)
	}
	token := hex.EncodeToString(buf)
	enc, err := s.cipher.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("encrypt install token: %w", err)
	}

	now := s.now()
	m := tokenModel{
		ID:        uuid.New(),
		HostID:    hostID,
		TokenHash: hashToken(token),
		TokenEnc:  enc,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.orm.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("store install token: %w", err)
	}
	return &Issued{Token: token, HostID: hostID, ExpiresAt: m.ExpiresAt}, nil
}

// Consume burns token and returns the host it unlocks. The used_at update
// is a single conditional statement, so concurrent consumers cannot both
// succeed.
func (s *Service) Consume(ctx context.Context, token string) (*Install, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	now := s.now()

	var hostID uuid.UUID
	row := s.orm.WithContext(ctx).Raw(`
UPDATE install_tokens SET used_at = ?
WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
RETURNING host_id
`, now, hashToken(token), now).Row()
	if err := row.Scan(&hostID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("consume install token: %w", err)
	}

	h, err := s.hosts.Get(ctx, hostID)
	if err != nil {
		return nil, err
	}
	key, err := s.hosts.APIKey(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return &Install{Host: h, APIKey: key}, nil
}

// Purge deletes tokens that expired or were used before cutoff.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.orm.WithContext(ctx).
		Where("expires_at < ? OR used_at < ?", cutoff, cutoff).
		Delete(&tokenModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge install tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
