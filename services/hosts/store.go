package hosts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetauth/pkg/apperr"
	"fleetauth/pkg/db"
)

// Store persists hosts. Every mutation of a live host row is a single
// statement so concurrent calls from the same host never lose updates.
type Store interface {
	Create(ctx context.Context, h *Host) error
	Get(ctx context.Context, id uuid.UUID) (*Host, error)
	FindByKeyHash(ctx context.Context, hash string) (*Host, error)
	List(ctx context.Context) ([]Host, error)
	Touch(ctx context.Context, id uuid.UUID, t Touch) (*Host, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]any) (*Host, error)
	Delete(ctx context.Context, id uuid.UUID) error
	PruneCandidates(ctx context.Context, now, inactiveBefore time.Time) ([]Candidate, error)
	DeleteStale(ctx context.Context, c Candidate, now, inactiveBefore time.Time) (bool, error)
}

// Touch describes the bookkeeping applied on every authenticated call.
type Touch struct {
	At             time.Time
	IP             string
	ClientVersion  string
	WrapperVersion string
	LeaseUntil     time.Time
}

// Candidate is a host selected for pruning.
type Candidate struct {
	Host   Host
	Reason string
}

// errTouchRejected means the guarded update matched no row: the host was
// suspended or its locked IP changed between lookup and update.
var errTouchRejected = errors.New("host touch rejected")

const (
	notActivatedSQL = "(last_refresh IS NULL OR last_refresh = '') AND (auth_digest IS NULL OR auth_digest = '') AND api_calls = 0"
	activatedSQL    = "((last_refresh IS NOT NULL AND last_refresh <> '') OR (auth_digest IS NOT NULL AND auth_digest <> '') OR api_calls > 0)"
)

// GormStore is the Postgres implementation of Store.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) Create(ctx context.Context, h *Host) error {
	m := modelFromHost(h)
	if err := s.orm.WithContext(ctx).Create(&m).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("host %s already registered: %w", h.FQDN, apperr.ErrConflict)
		}
		return err
	}
	*h = m.toAPI()
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*Host, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormStore) FindByKeyHash(ctx context.Context, hash string) (*Host, error) {
	return s.first(ctx, "api_key_hash = ?", hash)
}

func (s *GormStore) first(ctx context.Context, query string, args ...any) (*Host, error) {
	var m hostModel
	err := s.orm.WithContext(ctx).Where(query, args...).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h := m.toAPI()
	return &h, nil
}

func (s *GormStore) List(ctx context.Context) ([]Host, error) {
	var rows []hostModel
	if err := s.orm.WithContext(ctx).Order("fqdn ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Host, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toAPI())
	}
	return out, nil
}

func (s *GormStore) Touch(ctx context.Context, id uuid.UUID, t Touch) (*Host, error) {
	updates := map[string]any{
		"api_calls":    gorm.Expr("api_calls + 1"),
		"last_seen_at": t.At,
		"updated_at":   t.At,
		"expires_at":   gorm.Expr("CASE WHEN expires_at IS NOT NULL THEN ?::timestamptz ELSE NULL END", t.LeaseUntil),
	}
	if t.ClientVersion != "" {
		updates["client_version"] = t.ClientVersion
	}
	if t.WrapperVersion != "" {
		updates["wrapper_version"] = t.WrapperVersion
	}

	var out *Host
	err := db.Retry(ctx, func(ctx context.Context) error {
		var m hostModel
		q := s.orm.WithContext(ctx).Model(&m).Clauses(clause.Returning{}).
			Where("id = ? AND status = ?", id, StatusActive)
		if t.IP != "" {
			updates["ip"] = gorm.Expr("CASE WHEN allow_roaming_ips THEN ? ELSE COALESCE(ip, ?) END", t.IP, t.IP)
			q = q.Where("(ip IS NULL OR ip = ? OR allow_roaming_ips)", t.IP)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errTouchRejected
		}
		h := m.toAPI()
		out = &h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, id uuid.UUID, fields map[string]any) (*Host, error) {
	if len(fields) == 0 {
		return s.Get(ctx, id)
	}
	var m hostModel
	res := s.orm.WithContext(ctx).Model(&m).Clauses(clause.Returning{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrNotFound
	}
	h := m.toAPI()
	return &h, nil
}

func (s *GormStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.orm.WithContext(ctx).Where("id = ?", id).Delete(&hostModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *GormStore) PruneCandidates(ctx context.Context, now, inactiveBefore time.Time) ([]Candidate, error) {
	var expired []hostModel
	err := s.orm.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Where(notActivatedSQL).
		Find(&expired).Error
	if err != nil {
		return nil, fmt.Errorf("select expired hosts: %w", err)
	}

	var inactive []hostModel
	err = s.orm.WithContext(ctx).
		Where(activatedSQL).
		Where("COALESCE(last_seen_at, updated_at) < ?", inactiveBefore).
		Find(&inactive).Error
	if err != nil {
		return nil, fmt.Errorf("select inactive hosts: %w", err)
	}

	out := make([]Candidate, 0, len(expired)+len(inactive))
	for _, m := range expired {
		out = append(out, Candidate{Host: m.toAPI(), Reason: ReasonExpired})
	}
	for _, m := range inactive {
		out = append(out, Candidate{Host: m.toAPI(), Reason: ReasonInactive})
	}
	return out, nil
}

var errStaleGone = errors.New("host no longer stale")

// DeleteStale writes the audit row and deletes the host in one transaction.
// The delete re-checks the pruning rule so a host that woke up in between
// survives.
func (s *GormStore) DeleteStale(ctx context.Context, c Candidate, now, inactiveBefore time.Time) (bool, error) {
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		details := datatypes.JSONMap{
			"host_id":   c.Host.ID.String(),
			"reason":    c.Reason,
			"api_calls": c.Host.APICalls,
		}
		if c.Host.ExpiresAt != nil {
			details["expires_at"] = c.Host.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if c.Host.LastSeenAt != nil {
			details["last_seen_at"] = c.Host.LastSeenAt.UTC().Format(time.RFC3339)
		}
		if err := tx.Exec(`INSERT INTO audit (actor, action, obj, details, at) VALUES (?, ?, ?, ?, ?)`,
			"pruner", "host_pruned", c.Host.FQDN, details, now).Error; err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}

		q := tx.Where("id = ?", c.Host.ID)
		switch c.Reason {
		case ReasonExpired:
			q = q.Where("expires_at IS NOT NULL AND expires_at < ?", now).Where(notActivatedSQL)
		case ReasonInactive:
			q = q.Where(activatedSQL).Where("COALESCE(last_seen_at, updated_at) < ?", inactiveBefore)
		default:
			return fmt.Errorf("unknown prune reason %q", c.Reason)
		}
		res := q.Delete(&hostModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleGone
		}
		return nil
	})
	if errors.Is(err, errStaleGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
