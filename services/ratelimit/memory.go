package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	ip     string
	bucket string
}

// Memory is a process-local Backend for single instance deployments and
// tests.
type Memory struct {
	mu      sync.Mutex
	windows map[memoryKey]Window
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{windows: map[memoryKey]Window{}}
}

func (m *Memory) Increment(_ context.Context, ip, bucket string, window time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey{ip: ip, bucket: bucket}
	w, ok := m.windows[k]
	if !ok || !now.Before(w.ResetAt) {
		w = Window{Count: 1, ResetAt: now.Add(window).UTC()}
	} else {
		w.Count++
	}
	m.windows[k] = w
	return w, nil
}

func (m *Memory) Peek(_ context.Context, ip, bucket string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[memoryKey{ip: ip, bucket: bucket}]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, w := range m.windows {
		if !now.Before(w.ResetAt) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Blocked(_ context.Context, bucket string, limit int, now time.Time) ([]Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Counter
	for k, w := range m.windows {
		if k.bucket != bucket || w.Count < limit || !now.Before(w.ResetAt) {
			continue
		}
		out = append(out, Counter{IP: k.ip, Bucket: k.bucket, Count: w.Count, ResetAt: w.ResetAt})
	}
	sortCounters(out)
	return out, nil
}

func (m *Memory) Clear(_ context.Context, ip, bucket string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.windows {
		if k.ip == ip && (bucket == "" || k.bucket == bucket) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}
