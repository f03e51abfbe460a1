// Package settings keeps deployment-wide knobs: the client version lock,
// the latest released client version and the quota week partition.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"fleetauth/services/hosts"
)

// Setting keys.
const (
	KeyClientVersionLock      = "client_version_lock"
	KeyClientVersionLatest    = "client_version_latest"
	KeyClientVersionCheckedAt = "client_version_checked_at"
	KeyQuotaWeekPartition     = "quota_week_partition"
)

// Version sources reported to hosts.
const (
	SourceLocked = "locked"
	SourceLatest = "latest"
)

type settingModel struct {
	Key       string    `gorm:"type:text;primaryKey"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"type:timestamptz"`
}

func (settingModel) TableName() string { return "settings" }

// Store reads and writes the settings table.
type Store struct {
	orm *gorm.DB
	Now func() time.Time
}

// New returns a Store on orm.
func New(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, Now: time.Now}, nil
}

// Get returns the value for key and whether it is set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var m settingModel
	err := s.orm.WithContext(ctx).Where("key = ?", key).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %s: %w", key, err)
	}
	return m.Value, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := s.orm.WithContext(ctx).Exec(`
INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, key, value, s.now()).Error
	if err != nil {
		return fmt.Errorf("store setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.orm.WithContext(ctx).Where("key = ?", key).Delete(&settingModel{}).Error; err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// Versions is the version block of a sync response.
type Versions struct {
	ClientVersion string     `json:"client_version,omitempty"`
	Source        string     `json:"source"`
	CheckedAt     *time.Time `json:"checked_at,omitempty"`
}

// VersionInfo resolves the client version a host should run. A per-host
// override wins over the global lock; both are reported as locked without a
// check timestamp.
func (s *Store) VersionInfo(ctx context.Context, h *hosts.Host) (Versions, error) {
	if h != nil && h.ClientVersionOverride != nil && strings.TrimSpace(*h.ClientVersionOverride) != "" {
		return Versions{ClientVersion: strings.TrimSpace(*h.ClientVersionOverride), Source: SourceLocked}, nil
	}

	lock, ok, err := s.Get(ctx, KeyClientVersionLock)
	if err != nil {
		return Versions{}, err
	}
	if ok && lock != "" {
		return Versions{ClientVersion: lock, Source: SourceLocked}, nil
	}

	latest, _, err := s.Get(ctx, KeyClientVersionLatest)
	if err != nil {
		return Versions{}, err
	}
	out := Versions{ClientVersion: latest, Source: SourceLatest}
	raw, ok, err := s.Get(ctx, KeyClientVersionCheckedAt)
	if err != nil {
		return Versions{}, err
	}
	if ok {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			at = at.UTC()
			out.CheckedAt = &at
		}
	}
	return out, nil
}

// SetVersionLock pins every host to version. An empty version removes the
// lock.
func (s *Store) SetVersionLock(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return s.Delete(ctx, KeyClientVersionLock)
	}
	return s.Set(ctx, KeyClientVersionLock, version)
}

// RecordLatestVersion stores the newest released client version and when it
// was checked.
func (s *Store) RecordLatestVersion(ctx context.Context, version string, checkedAt time.Time) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &Store{orm: tx, Now: s.Now}
		if err := txStore.Set(ctx, KeyClientVersionLatest, version); err != nil {
			return err
		}
		return txStore.Set(ctx, KeyClientVersionCheckedAt, checkedAt.UTC().Format(time.RFC3339))
	})
}

// QuotaWeekPartition returns the stored partition, 0 when unset.
func (s *Store) QuotaWeekPartition(ctx context.Context) (int, error) {
	raw, ok, err := s.Get(ctx, KeyQuotaWeekPartition)
	if err != nil || !ok {
		return 0, err
	}
	n, valid := hosts.NormalizeQuotaWeekPartition(raw)
	if !valid {
		return 0, nil
	}
	return n, nil
}

// SetQuotaWeekPartition stores raw when it normalizes. Invalid input keeps
// the previous value, which is returned with changed=false.
func (s *Store) SetQuotaWeekPartition(ctx context.Context, raw string) (value int, changed bool, err error) {
	n, ok := hosts.NormalizeQuotaWeekPartition(raw)
	if !ok {
		prev, err := s.QuotaWeekPartition(ctx)
		return prev, false, err
	}
	if err := s.Set(ctx, KeyQuotaWeekPartition, strconv.Itoa(n)); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
