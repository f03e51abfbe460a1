// Package ledger stores canonical credential payloads append-only, together
// with the per-host cursors and recent-digest rings that reconcile hosts
// against the newest payload.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fleetauth/pkg/envelope"
)

// DefaultRetain is the capacity of each host's recent-digest ring.
const DefaultRetain = 3

// Store is the gorm backed ledger.
type Store struct {
	orm    *gorm.DB
	cipher *envelope.Cipher
	Now    func() time.Time
	Retain int
}

// New constructs a Store.
func New(orm *gorm.DB, cipher *envelope.Cipher) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	return &Store{orm: orm, cipher: cipher, Now: time.Now, Retain: DefaultRetain}, nil
}

// AppendParams describes an accepted store.
type AppendParams struct {
	HostID      uuid.UUID
	LastRefresh string
	SHA256      string
	Entries     []Entry
	Extras      map[string]any
}

// Append inserts a new payload and moves the submitting host's cursor, digest
// ring and cached freshness fields to it, all in one transaction.
func (s *Store) Append(ctx context.Context, p AppendParams) (*Payload, error) {
	var out *Payload
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source := p.HostID
		payload, err := s.create(tx, p.LastRefresh, p.SHA256, &source, p.Entries, p.Extras)
		if err != nil {
			return err
		}
		if err := s.moveCursor(tx, p.HostID, payload); err != nil {
			return err
		}
		out = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkServed records that hostID now holds payload, either because it was
// served to the host or because the host reported the same digest.
func (s *Store) MarkServed(ctx context.Context, hostID uuid.UUID, payload *Payload) error {
	if payload == nil {
		return errors.New("payload is required")
	}
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.moveCursor(tx, hostID, payload)
	})
}

// Create inserts a payload and its entries outside of any host bookkeeping.
func (s *Store) Create(ctx context.Context, lastRefresh, sha256 string, sourceHostID *uuid.UUID, entries []Entry, extras map[string]any) (*Payload, error) {
	var out *Payload
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payload, err := s.create(tx, lastRefresh, sha256, sourceHostID, entries, extras)
		out = payload
		return err
	})
	return out, err
}

// Latest returns the newest payload without its entries, or nil when the
// ledger is empty. Ordering uses the server-assigned sequence.
func (s *Store) Latest(ctx context.Context) (*Payload, error) {
	var m payloadModel
	err := s.orm.WithContext(ctx).Order("seq DESC").Limit(1).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest payload: %w", err)
	}
	return m.toAPI(), nil
}

// FindByIDWithEntries loads a payload with decrypted entries.
func (s *Store) FindByIDWithEntries(ctx context.Context, id uuid.UUID) (*Payload, error) {
	var m payloadModel
	err := s.orm.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", id, err)
	}

	var rows []entryModel
	if err := s.orm.WithContext(ctx).Where("payload_id = ?", id).Order("target ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load payload entries: %w", err)
	}

	payload := m.toAPI()
	payload.Entries = make([]Entry, 0, len(rows))
	for _, row := range rows {
		token, err := s.cipher.Decrypt(row.TokenEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt entry %s: %w", row.Target, err)
		}
		payload.Entries = append(payload.Entries, Entry{
			Target:       row.Target,
			Token:        token,
			TokenType:    row.TokenType,
			Organization: row.Organization,
			Project:      row.Project,
			APIBase:      row.APIBase,
			Meta:         mapFromJSONMap(row.Meta),
		})
	}
	return payload, nil
}

// HostState returns the cursor for hostID, or nil when the host has none.
func (s *Store) HostState(ctx context.Context, hostID uuid.UUID) (*HostState, error) {
	var m hostStateModel
	err := s.orm.WithContext(ctx).Where("host_id = ?", hostID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toAPI(), nil
}

// UpsertHostState replaces the cursor row for hostID.
func (s *Store) UpsertHostState(ctx context.Context, hostID, payloadID uuid.UUID, digest string) error {
	return upsertHostState(s.orm.WithContext(ctx), hostID, payloadID, digest, s.now())
}

// RememberDigests adds digests (oldest first) to the host's ring and trims it
// to retain entries. retain <= 0 uses the store default.
func (s *Store) RememberDigests(ctx context.Context, hostID uuid.UUID, digests []string, retain int) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.rememberDigests(tx, hostID, digests, retain)
	})
}

// RecentDigests lists the host's ring, newest first.
func (s *Store) RecentDigests(ctx context.Context, hostID uuid.UUID) ([]string, error) {
	var digests []string
	err := s.orm.WithContext(ctx).
		Table("host_auth_digests").
		Where("host_id = ?", hostID).
		Order("seen_at DESC, id DESC").
		Pluck("digest", &digests).Error
	if err != nil {
		return nil, fmt.Errorf("load recent digests: %w", err)
	}
	return digests, nil
}

func (s *Store) create(tx *gorm.DB, lastRefresh, sha256 string, sourceHostID *uuid.UUID, entries []Entry, extras map[string]any) (*Payload, error) {
	if lastRefresh == "" {
		return nil, errors.New("last_refresh is required")
	}
	if len(sha256) != 64 {
		return nil, errors.New("sha256 digest must be 64 hex characters")
	}

	now := s.now()
	payload := &Payload{
		ID:           uuid.New(),
		LastRefresh:  lastRefresh,
		SHA256:       sha256,
		SourceHostID: sourceHostID,
		Extras:       extras,
	}

	var extrasValue any
	if len(extras) > 0 {
		extrasValue = datatypes.JSONMap(extras)
	}

	row := tx.Raw(`
INSERT INTO auth_payloads (id, last_refresh, sha256, source_host_id, extras, created_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING seq, created_at
`, payload.ID, lastRefresh, sha256, sourceHostID, extrasValue, now).Row()
	if err := row.Scan(&payload.Seq, &payload.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert payload: %w", err)
	}

	if len(entries) == 0 {
		return payload, nil
	}

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Target < sorted[j].Target })

	models := make([]entryModel, 0, len(sorted))
	for _, e := range sorted {
		enc, err := s.cipher.Encrypt(e.Token)
		if err != nil {
			return nil, fmt.Errorf("encrypt entry %s: %w", e.Target, err)
		}
		var meta datatypes.JSONMap
		if len(e.Meta) > 0 {
			meta = datatypes.JSONMap(e.Meta)
		}
		models = append(models, entryModel{
			ID:           uuid.New(),
			PayloadID:    payload.ID,
			Target:       e.Target,
			TokenEnc:     enc,
			TokenType:    e.TokenType,
			Organization: e.Organization,
			Project:      e.Project,
			APIBase:      e.APIBase,
			Meta:         meta,
			CreatedAt:    now,
		})
	}
	if err := tx.Create(&models).Error; err != nil {
		return nil, fmt.Errorf("insert payload entries: %w", err)
	}

	payload.Entries = sorted
	return payload, nil
}

func (s *Store) moveCursor(tx *gorm.DB, hostID uuid.UUID, payload *Payload) error {
	now := s.now()
	if err := upsertHostState(tx, hostID, payload.ID, payload.SHA256, now); err != nil {
		return err
	}
	if err := s.rememberDigests(tx, hostID, []string{payload.SHA256}, 0); err != nil {
		return err
	}
	err := tx.Exec(`UPDATE hosts SET last_refresh = ?, auth_digest = ?, updated_at = ? WHERE id = ?`,
		payload.LastRefresh, payload.SHA256, now, hostID).Error
	if err != nil {
		return fmt.Errorf("update host cursor: %w", err)
	}
	return nil
}

func (s *Store) rememberDigests(tx *gorm.DB, hostID uuid.UUID, digests []string, retain int) error {
	if retain <= 0 {
		retain = s.Retain
	}
	if retain <= 0 {
		retain = DefaultRetain
	}
	now := s.now()
	for i, d := range digests {
		if d == "" {
			continue
		}
		// Later digests in the slice must sort as newer.
		seenAt := now.Add(time.Duration(i) * time.Microsecond)
		err := tx.Exec(`
INSERT INTO host_auth_digests (host_id, digest, seen_at)
VALUES (?, ?, ?)
ON CONFLICT (host_id, digest) DO UPDATE SET seen_at = EXCLUDED.seen_at
`, hostID, d, seenAt).Error
		if err != nil {
			return fmt.Errorf("remember digest: %w", err)
		}
	}
	err := tx.Exec(`
DELETE FROM host_auth_digests
WHERE host_id = ? AND id NOT IN (
  SELECT id FROM host_auth_digests WHERE host_id = ? ORDER BY seen_at DESC, id DESC LIMIT ?
)
`, hostID, hostID, retain).Error
	if err != nil {
		return fmt.Errorf("trim digest ring: %w", err)
	}
	return nil
}

func upsertHostState(tx *gorm.DB, hostID, payloadID uuid.UUID, digest string, at time.Time) error {
	err := tx.Exec(`
INSERT INTO host_auth_states (host_id, payload_id, seen_digest, seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (host_id) DO UPDATE SET payload_id = EXCLUDED.payload_id, seen_digest = EXCLUDED.seen_digest, seen_at = EXCLUDED.seen_at
`, hostID, payloadID, digest, at).Error
	if err != nil {
		return fmt.Errorf("upsert host auth state: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
