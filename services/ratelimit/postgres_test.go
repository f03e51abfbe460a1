package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryCall struct {
	sql      string
	args     []any
	deadline time.Time
}

type queryResult struct {
	cols []string
	rows [][]any
	err  error
}

// fakeQuerier replays scripted results in order and records every statement.
type fakeQuerier struct {
	calls   []queryCall
	results []queryResult
	execTag pgconn.CommandTag
	execErr error
}

func (f *fakeQuerier) record(ctx context.Context, sql string, args []any) {
	deadline, _ := ctx.Deadline()
	f.calls = append(f.calls, queryCall{sql: sql, args: args, deadline: deadline})
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(ctx, sql, args)
	return f.execTag, f.execErr
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.record(ctx, sql, args)
	if len(f.results) == 0 {
		return nil, fmt.Errorf("unexpected query: %s", sql)
	}
	res := f.results[0]
	f.results = f.results[1:]
	if res.err != nil {
		return nil, res.err
	}
	return &fakeRows{cols: res.cols, rows: res.rows, idx: -1}, nil
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.Query(ctx, sql, args...)
	return fakeRow{rows: rows, err: err}
}

type fakeRow struct {
	rows pgx.Rows
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type fakeRows struct {
	cols   []string
	rows   [][]any
	idx    int
	closed bool
}

func (r *fakeRows) Close()     { r.closed = true }
func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("SELECT " + strconv.Itoa(len(r.rows)))
}

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	if r.idx >= len(r.rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan %d values into %d targets", len(row), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func windowRow(count int, resetAt time.Time) queryResult {
	return queryResult{cols: []string{"count", "reset_at"}, rows: [][]any{{count, resetAt}}}
}

func TestPostgresIncrementIsOneResettingUpsert(t *testing.T) {
	q := &fakeQuerier{results: []queryResult{windowRow(1, testNow.Add(time.Minute))}}
	p := NewPostgres(q)

	local := testNow.In(time.FixedZone("CET", 3600))
	w, err := p.Increment(context.Background(), "192.0.2.1", BucketSync, time.Minute, local)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, testNow.Add(time.Minute), w.ResetAt)

	require.Len(t, q.calls, 1)
	call := q.calls[0]
	assert.Contains(t, call.sql, "ON CONFLICT (ip, bucket) DO UPDATE")
	assert.Contains(t, call.sql, "count = CASE WHEN rate_limit_buckets.reset_at <= EXCLUDED.last_hit THEN 1 ELSE rate_limit_buckets.count + 1 END")
	assert.Contains(t, call.sql, "reset_at = CASE WHEN rate_limit_buckets.reset_at <= EXCLUDED.last_hit THEN EXCLUDED.reset_at ELSE rate_limit_buckets.reset_at END")
	assert.Contains(t, call.sql, "RETURNING count, reset_at")
	assert.Equal(t, []any{"192.0.2.1", BucketSync, testNow.Add(time.Minute), testNow}, call.args)
	assert.Equal(t, time.UTC, call.args[3].(time.Time).Location())
}

func TestPostgresLimiterDeniesPastLimitAndRestartsAfterReset(t *testing.T) {
	resetAt := testNow.Add(time.Minute)
	q := &fakeQuerier{results: []queryResult{
		windowRow(1, resetAt),
		windowRow(2, resetAt),
		windowRow(3, resetAt),
		windowRow(1, resetAt.Add(time.Minute)),
	}}
	l, err := New(NewPostgres(q), zerolog.Nop())
	require.NoError(t, err)
	c := &clock{t: testNow}
	l.Now = c.now
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := l.Hit(ctx, "192.0.2.1", BucketAuthFail, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i)
	}
	res, err := l.Hit(ctx, "192.0.2.1", BucketAuthFail, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, resetAt, res.ResetAt)

	c.advance(time.Minute)
	res, err = l.Hit(ctx, "192.0.2.1", BucketAuthFail, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)

	require.Len(t, q.calls, 4)
	assert.Equal(t, resetAt, q.calls[3].args[3], "last_hit of the hit after reset_at")
}

func TestPostgresIncrementRetriesOnlyRolledBackStatements(t *testing.T) {
	q := &fakeQuerier{results: []queryResult{
		{err: &pgconn.PgError{Code: "40001"}},
		windowRow(4, testNow.Add(time.Minute)),
	}}
	w, err := NewPostgres(q).Increment(context.Background(), "192.0.2.1", BucketSync, time.Minute, testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, w.Count)
	assert.Len(t, q.calls, 2)

	q = &fakeQuerier{results: []queryResult{
		{err: &pgconn.PgError{Code: "57P01"}},
		windowRow(5, testNow.Add(time.Minute)),
	}}
	_, err = NewPostgres(q).Increment(context.Background(), "192.0.2.1", BucketSync, time.Minute, testNow)
	require.Error(t, err)
	assert.Len(t, q.calls, 1)
}

func TestPostgresPeekMissingBucket(t *testing.T) {
	q := &fakeQuerier{results: []queryResult{{cols: []string{"count", "reset_at"}}}}
	w, err := NewPostgres(q).Peek(context.Background(), "192.0.2.1", BucketAuthFail)
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Equal(t, []any{"192.0.2.1", BucketAuthFail}, q.calls[0].args)
}

func TestPostgresSweepDeletesClosedWindowsWithinTimeout(t *testing.T) {
	q := &fakeQuerier{execTag: pgconn.NewCommandTag("DELETE 3")}
	before := time.Now()
	n, err := NewPostgres(q).Sweep(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Len(t, q.calls, 1)
	assert.Equal(t, "DELETE FROM rate_limit_buckets WHERE reset_at <= $1", q.calls[0].sql)
	assert.Equal(t, []any{testNow}, q.calls[0].args)
	assert.WithinDuration(t, before.Add(sweepTimeout), q.calls[0].deadline, 5*time.Second)

	q = &fakeQuerier{execErr: errors.New("connection reset")}
	_, err = NewPostgres(q).Sweep(context.Background(), testNow)
	assert.ErrorContains(t, err, "sweep rate limit buckets")
}

func TestPostgresBlockedSelectsExhaustedOpenWindows(t *testing.T) {
	q := &fakeQuerier{results: []queryResult{{
		cols: []string{"ip", "bucket", "count", "reset_at"},
		rows: [][]any{
			{"192.0.2.9", BucketAuthFail, 7, testNow.Add(time.Minute)},
			{"192.0.2.1", BucketAuthFail, 3, testNow.Add(2 * time.Minute)},
		},
	}}}
	l, err := New(NewPostgres(q), zerolog.Nop())
	require.NoError(t, err)
	l.Now = func() time.Time { return testNow }

	blocked, err := l.Blocked(context.Background(), BucketAuthFail, 3)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, Counter{IP: "192.0.2.9", Bucket: BucketAuthFail, Count: 7, ResetAt: testNow.Add(time.Minute)}, blocked[0])

	require.Len(t, q.calls, 1)
	assert.Contains(t, q.calls[0].sql, "WHERE bucket = $1 AND reset_at > $2 AND count >= $3")
	assert.Contains(t, q.calls[0].sql, "ORDER BY count DESC, ip")
	assert.Equal(t, []any{BucketAuthFail, testNow, 3}, q.calls[0].args)
}

func TestPostgresClearDeletesAddressCounters(t *testing.T) {
	q := &fakeQuerier{execTag: pgconn.NewCommandTag("DELETE 2")}
	n, err := NewPostgres(q).Clear(context.Background(), "192.0.2.1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, q.calls, 1)
	assert.Equal(t, "DELETE FROM rate_limit_buckets WHERE ip = $1 AND ($2 = '' OR bucket = $2)", q.calls[0].sql)
	assert.Equal(t, []any{"192.0.2.1", ""}, q.calls[0].args)
	assert.False(t, q.calls[0].deadline.IsZero())
}
