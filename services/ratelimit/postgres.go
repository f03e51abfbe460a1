package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"fleetauth/pkg/db"
)

const incrementSQL = `
INSERT INTO rate_limit_buckets (ip, bucket, count, reset_at, last_hit, created_at)
VALUES ($1, $2, 1, $3, $4, $4)
ON CONFLICT (ip, bucket) DO UPDATE SET
  count = CASE WHEN rate_limit_buckets.reset_at <= EXCLUDED.last_hit THEN 1 ELSE rate_limit_buckets.count + 1 END,
  reset_at = CASE WHEN rate_limit_buckets.reset_at <= EXCLUDED.last_hit THEN EXCLUDED.reset_at ELSE rate_limit_buckets.reset_at END,
  last_hit = EXCLUDED.last_hit
RETURNING count, reset_at`

const blockedSQL = `
SELECT ip, bucket, count, reset_at
FROM rate_limit_buckets
WHERE bucket = $1 AND reset_at > $2 AND count >= $3
ORDER BY count DESC, ip`

// sweepTimeout bounds the sweep delete, which can touch many rows after an
// address scan.
const sweepTimeout = 30 * time.Second

// Postgres keeps counters in rate_limit_buckets so every API replica shares
// them and they survive restarts.
type Postgres struct {
	q db.Querier
}

// NewPostgres returns a Postgres backend on q.
func NewPostgres(q db.Querier) *Postgres {
	return &Postgres{q: q}
}

// Increment is a single upsert, so concurrent hits never lose counts.
func (p *Postgres) Increment(ctx context.Context, ip, bucket string, window time.Duration, now time.Time) (Window, error) {
	now = now.UTC()
	var w Window
	err := db.Retry(ctx, func(ctx context.Context) error {
		return db.Get(ctx, p.q, &w, incrementSQL, ip, bucket, now.Add(window), now)
	})
	if err != nil {
		return Window{}, fmt.Errorf("increment rate limit bucket: %w", err)
	}
	return w, nil
}

// Peek reads the counter without touching it.
func (p *Postgres) Peek(ctx context.Context, ip, bucket string) (*Window, error) {
	var w Window
	err := db.Get(ctx, p.q, &w, `SELECT count, reset_at FROM rate_limit_buckets WHERE ip = $1 AND bucket = $2`, ip, bucket)
	if pgxscan.NotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rate limit bucket: %w", err)
	}
	return &w, nil
}

// Sweep deletes closed windows.
func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := db.WithTimeout(ctx, sweepTimeout, func(ctx context.Context) error {
		tag, err := p.q.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE reset_at <= $1`, now.UTC())
		deleted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep rate limit buckets: %w", err)
	}
	return deleted, nil
}

func (p *Postgres) Blocked(ctx context.Context, bucket string, limit int, now time.Time) ([]Counter, error) {
	var out []Counter
	if err := db.Select(ctx, p.q, &out, blockedSQL, bucket, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("list blocked rate limit buckets: %w", err)
	}
	return out, nil
}

func (p *Postgres) Clear(ctx context.Context, ip, bucket string) (int64, error) {
	tag, err := db.Exec(ctx, p.q, `DELETE FROM rate_limit_buckets WHERE ip = $1 AND ($2 = '' OR bucket = $2)`, ip, bucket)
	if err != nil {
		return 0, fmt.Errorf("clear rate limit buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}
