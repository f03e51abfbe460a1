// Package secretmigrate wraps legacy plaintext secrets in the envelope
// format. It is idempotent: wrapped values are skipped and a completion
// marker short-circuits later runs.
package secretmigrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fleetauth/pkg/envelope"
	"fleetauth/pkg/metrics"
)

// MarkerName identifies a completed migration in maintenance_markers.
const MarkerName = "envelope_v1"

const defaultBatchSize = 200

// Column is one secret-bearing column.
type Column struct {
	Table  string
	Column string
}

// Columns lists every column holding a secret at rest.
var Columns = []Column{
	{Table: "auth_payload_entries", Column: "token_enc"},
	{Table: "hosts", Column: "api_key_enc"},
	{Table: "install_tokens", Column: "token_enc"},
}

type markerModel struct {
	Name        string            `gorm:"type:text;primaryKey"`
	CompletedAt time.Time         `gorm:"type:timestamptz"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
}

func (markerModel) TableName() string { return "maintenance_markers" }

// Report summarizes a run.
type Report struct {
	Skipped     bool           `json:"skipped"`
	Encrypted   map[string]int `json:"encrypted"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Total is the number of values wrapped.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Encrypted {
		n += v
	}
	return n
}

// Migrator scans Columns in batches.
type Migrator struct {
	orm       *gorm.DB
	cipher    *envelope.Cipher
	log       zerolog.Logger
	BatchSize int
	Now       func() time.Time
}

// New returns a Migrator.
func New(orm *gorm.DB, cipher *envelope.Cipher, logger zerolog.Logger) (*Migrator, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	return &Migrator{
		orm:       orm,
		cipher:    cipher,
		log:       logger.With().Str("component", "secretmigrate").Logger(),
		BatchSize: defaultBatchSize,
		Now:       time.Now,
	}, nil
}

// Run wraps every plaintext value and records the marker. Without force a
// recorded marker makes Run a no-op.
func (m *Migrator) Run(ctx context.Context, force bool) (Report, error) {
	report := Report{Encrypted: map[string]int{}}
	if !force {
		marker, err := m.Marker(ctx)
		if err != nil {
			return report, err
		}
		if marker != nil {
			report.Skipped = true
			report.CompletedAt = marker.CompletedAt
			return report, nil
		}
	}

	for _, col := range Columns {
		n, err := m.migrateColumn(ctx, col)
		if err != nil {
			return report, fmt.Errorf("migrate %s.%s: %w", col.Table, col.Column, err)
		}
		report.Encrypted[col.Table] = n
		if n > 0 {
			metrics.SecretsMigrated.WithLabelValues(col.Table).Add(float64(n))
		}
	}

	report.CompletedAt = m.now()
	if err := m.writeMarker(ctx, report); err != nil {
		return report, err
	}
	m.log.Info().Int("encrypted", report.Total()).Bool("forced", force).Msg("envelope migration complete")
	return report, nil
}

// Marker returns the recorded completion marker, or nil.
func (m *Migrator) Marker(ctx context.Context) (*Report, error) {
	var row markerModel
	err := m.orm.WithContext(ctx).Where("name = ?", MarkerName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load migration marker: %w", err)
	}
	return &Report{CompletedAt: row.CompletedAt}, nil
}

type secretRow struct {
	ID    uuid.UUID
	Value string
}

func (m *Migrator) migrateColumn(ctx context.Context, col Column) (int, error) {
	batch := m.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	selectSQL := fmt.Sprintf(
		`SELECT id, %[2]s AS value FROM %[1]s WHERE %[2]s NOT LIKE ? AND %[2]s <> '' AND id > ? ORDER BY id LIMIT ?`,
		col.Table, col.Column)
	updateSQL := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = ? WHERE id = ? AND %[2]s = ?`, col.Table, col.Column)

	total := 0
	after := uuid.Nil
	for {
		var rows []secretRow
		if err := m.orm.WithContext(ctx).Raw(selectSQL, envelope.Prefix+"%", after, batch).Scan(&rows).Error; err != nil {
			return total, err
		}
		for _, r := range rows {
			after = r.ID
			if envelope.IsEncrypted(r.Value) {
				continue
			}
			enc, err := m.cipher.Encrypt(r.Value)
			if err != nil {
				return total, err
			}
			// Compare-and-swap: a concurrent writer wins and the row is left alone.
			res := m.orm.WithContext(ctx).Exec(updateSQL, enc, r.ID, r.Value)
			if res.Error != nil {
				return total, res.Error
			}
			total += int(res.RowsAffected)
		}
		if len(rows) < batch {
			return total, nil
		}
	}
}

func (m *Migrator) writeMarker(ctx context.Context, report Report) error {
	details := datatypes.JSONMap{}
	for table, n := range report.Encrypted {
		details[table] = n
	}
	err := m.orm.WithContext(ctx).Exec(`
INSERT INTO maintenance_markers (name, completed_at, details) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET completed_at = EXCLUDED.completed_at, details = EXCLUDED.details
`, MarkerName, report.CompletedAt, details).Error
	if err != nil {
		return fmt.Errorf("record migration marker: %w", err)
	}
	return nil
}

func (m *Migrator) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}
