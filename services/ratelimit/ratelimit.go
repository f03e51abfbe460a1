// Package ratelimit implements the persistent fixed-window counters that
// guard the sync, install and admin endpoints.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetauth/pkg/metrics"
)

// Bucket names.
const (
	BucketSync     = "sync"
	BucketAuthFail = "auth_fail"
	BucketAdmin    = "admin"
	BucketInstall  = "install"
)

// Result is the outcome of a hit.
type Result struct {
	Allowed bool      `json:"allowed"`
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining is how many hits are left in the current window.
func (r Result) Remaining() int {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}

// Window is the counter state of one (ip, bucket) pair.
type Window struct {
	Count   int       `db:"count"`
	ResetAt time.Time `db:"reset_at"`
}

// Counter is an open window listed for operators.
type Counter struct {
	IP      string    `db:"ip" json:"ip"`
	Bucket  string    `db:"bucket" json:"bucket"`
	Count   int       `db:"count" json:"count"`
	ResetAt time.Time `db:"reset_at" json:"reset_at"`
}

// Backend stores counters. Increment must be atomic per (ip, bucket): it
// starts a new window of length window when none is open at now, and
// otherwise adds one to the open window. Blocked returns the open windows of
// bucket holding at least limit hits, highest count first. Clear drops the
// counters of ip, in every bucket when bucket is empty.
type Backend interface {
	Increment(ctx context.Context, ip, bucket string, window time.Duration, now time.Time) (Window, error)
	Peek(ctx context.Context, ip, bucket string) (*Window, error)
	Sweep(ctx context.Context, now time.Time) (int64, error)
	Blocked(ctx context.Context, bucket string, limit int, now time.Time) ([]Counter, error)
	Clear(ctx context.Context, ip, bucket string) (int64, error)
}

// Limiter applies limits on top of a Backend. All times are UTC.
type Limiter struct {
	backend Backend
	log     zerolog.Logger
	Now     func() time.Time
}

// New returns a Limiter using backend.
func New(backend Backend, logger zerolog.Logger) (*Limiter, error) {
	if backend == nil {
		return nil, errors.New("rate limit backend is required")
	}
	return &Limiter{
		backend: backend,
		log:     logger.With().Str("component", "ratelimit").Logger(),
		Now:     time.Now,
	}, nil
}

// Hit counts one request from ip against bucket. The (limit+1)-th hit in a
// window is denied; the first hit after reset_at starts over at 1.
func (l *Limiter) Hit(ctx context.Context, ip, bucket string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, errors.New("limit and window must be positive")
	}
	ip = normalizeIP(ip)
	w, err := l.backend.Increment(ctx, ip, bucket, window, l.now())
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Allowed: w.Count <= limit,
		Count:   w.Count,
		Limit:   limit,
		ResetAt: w.ResetAt.UTC(),
	}
	if !res.Allowed {
		metrics.RateLimited.WithLabelValues(bucket).Inc()
		l.log.Warn().
			Str("ip", ip).
			Str("bucket", bucket).
			Int("count", w.Count).
			Int("limit", limit).
			Time("reset_at", res.ResetAt).
			Msg("rate limit exceeded")
	}
	return res, nil
}

// Exceeded reports whether ip already used up bucket in the open window,
// without counting a hit.
func (l *Limiter) Exceeded(ctx context.Context, ip, bucket string, limit int) (bool, time.Time, error) {
	w, err := l.backend.Peek(ctx, normalizeIP(ip), bucket)
	if err != nil || w == nil {
		return false, time.Time{}, err
	}
	if !l.now().Before(w.ResetAt) {
		return false, time.Time{}, nil
	}
	return w.Count >= limit, w.ResetAt.UTC(), nil
}

// Blocked lists the addresses that have used up bucket in their open window.
func (l *Limiter) Blocked(ctx context.Context, bucket string, limit int) ([]Counter, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return l.backend.Blocked(ctx, bucket, limit, l.now())
}

// Clear lifts a lockout by deleting the counters of ip. An empty bucket
// clears all of them.
func (l *Limiter) Clear(ctx context.Context, ip, bucket string) (int64, error) {
	ip = normalizeIP(ip)
	n, err := l.backend.Clear(ctx, ip, bucket)
	if err != nil {
		return 0, err
	}
	l.log.Info().Str("ip", ip).Str("bucket", bucket).Int64("deleted", n).Msg("cleared rate limit counters")
	return n, nil
}

// Sweep deletes counters whose window has closed.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	return l.backend.Sweep(ctx, l.now())
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				l.log.Error().Err(err).Msg("sweep rate limit buckets")
				continue
			}
			if n > 0 {
				l.log.Debug().Int64("deleted", n).Msg("swept rate limit buckets")
			}
		}
	}
}

func (l *Limiter) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func sortCounters(counters []Counter) {
	sort.Slice(counters, func(i, j int) bool {
		if counters[i].Count != counters[j].Count {
			return counters[i].Count > counters[j].Count
		}
		return counters[i].IP < counters[j].IP
	})
}

func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "unknown"
	}
	return ip
}
