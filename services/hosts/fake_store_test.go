package hosts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetauth/pkg/apperr"
)

type fakeStore struct {
	mu      sync.Mutex
	hosts   map[uuid.UUID]*Host
	audited []Candidate
}

func newFakeStore() *fakeStore {
	return &fakeStore{hosts: map[uuid.UUID]*Host{}}
}

func (f *fakeStore) put(h Host) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := h
	f.hosts[h.ID] = &cp
}

func (f *fakeStore) Create(_ context.Context, h *Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.hosts {
		if existing.FQDN == h.FQDN {
			return apperr.ErrConflict
		}
	}
	cp := *h
	f.hosts[h.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (f *fakeStore) FindByKeyHash(_ context.Context, hash string) (*Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hosts {
		if h.APIKeyHash == hash {
			cp := *h
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeStore) List(_ context.Context) ([]Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out, nil
}

func (f *fakeStore) Touch(_ context.Context, id uuid.UUID, t Touch) (*Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok || h.Status != StatusActive {
		return nil, errTouchRejected
	}
	if t.IP != "" && h.IP != nil && *h.IP != t.IP && !h.AllowRoamingIPs {
		return nil, errTouchRejected
	}
	h.APICalls++
	at := t.At
	h.LastSeenAt = &at
	h.UpdatedAt = t.At
	if t.ClientVersion != "" {
		v := t.ClientVersion
		h.ClientVersion = &v
	}
	if t.WrapperVersion != "" {
		v := t.WrapperVersion
		h.WrapperVersion = &v
	}
	if t.IP != "" && (h.IP == nil || h.AllowRoamingIPs) {
		ip := t.IP
		h.IP = &ip
	}
	if h.ExpiresAt != nil {
		lease := t.LeaseUntil
		h.ExpiresAt = &lease
	}
	cp := *h
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, id uuid.UUID, fields map[string]any) (*Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			h.Status = v.(string)
		case "secure":
			h.Secure = v.(bool)
		case "vip":
			h.VIP = v.(bool)
		case "allow_roaming_ips":
			h.AllowRoamingIPs = v.(bool)
		case "ip":
			h.IP = stringPtr(v)
		case "model_override":
			h.ModelOverride = stringPtr(v)
		case "reasoning_effort_override":
			h.ReasoningEffortOverride = stringPtr(v)
		case "client_version_override":
			h.ClientVersionOverride = stringPtr(v)
		case "insecure_enabled_until":
			h.InsecureEnabledUntil = timePtr(v)
		case "insecure_grace_until":
			h.InsecureGraceUntil = timePtr(v)
		case "insecure_window_minutes":
			if p, ok := v.(*int); ok {
				h.InsecureWindowMinutes = p
			}
		case "updated_at":
			h.UpdatedAt = v.(time.Time)
		}
	}
	cp := *h
	return &cp, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hosts[id]; !ok {
		return apperr.ErrNotFound
	}
	delete(f.hosts, id)
	return nil
}

func (f *fakeStore) PruneCandidates(_ context.Context, now, inactiveBefore time.Time) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Candidate
	for _, h := range f.hosts {
		if reason, ok := staleReason(h, now, inactiveBefore); ok {
			out = append(out, Candidate{Host: *h, Reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.FQDN < out[j].Host.FQDN })
	return out, nil
}

func (f *fakeStore) DeleteStale(_ context.Context, c Candidate, now, inactiveBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[c.Host.ID]
	if !ok {
		return false, nil
	}
	if reason, ok := staleReason(h, now, inactiveBefore); !ok || reason != c.Reason {
		return false, nil
	}
	f.audited = append(f.audited, c)
	delete(f.hosts, c.Host.ID)
	return true, nil
}

func staleReason(h *Host, now, inactiveBefore time.Time) (string, bool) {
	if !h.Activated() {
		if h.ExpiresAt != nil && h.ExpiresAt.Before(now) {
			return ReasonExpired, true
		}
		return "", false
	}
	if h.LastContact().Before(inactiveBefore) {
		return ReasonInactive, true
	}
	return "", false
}

func stringPtr(v any) *string {
	switch s := v.(type) {
	case string:
		return &s
	case *string:
		return s
	}
	return nil
}

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}
