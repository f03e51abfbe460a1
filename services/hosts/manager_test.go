package hosts

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetauth/pkg/apperr"
	"fleetauth/pkg/bus"
	"fleetauth/pkg/envelope"
)

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (b *recordingBus) Publish(_ context.Context, subj string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subj)
	b.payloads = append(b.payloads, v)
	return nil
}

type countingSink struct{ calls int }

func (s *countingSink) Regenerate(context.Context) error {
	s.calls++
	return nil
}

type harness struct {
	mgr    *Manager
	store  *fakeStore
	bus    *recordingBus
	sink   *countingSink
	logs   *bytes.Buffer
	now    time.Time
	cipher *envelope.Cipher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		bus:   &recordingBus{},
		sink:  &countingSink{},
		logs:  &bytes.Buffer{},
		now:   time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC),
	}
	var err error
	h.cipher, err = envelope.New(bytes.Repeat([]byte{9}, envelope.KeySize))
	require.NoError(t, err)
	h.mgr, err = NewManager(h.store, h.cipher, Config{
		LeaseDuration:    2 * time.Hour,
		ProvisionalTTL:   30 * time.Minute,
		InactivityWindow: 30 * 24 * time.Hour,
		GracePeriod:      5 * time.Minute,
		Bus:              h.bus,
		Status:           h.sink,
		Logger:           zerolog.New(h.logs),
		Now:              func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

func TestRegisterSecureHostReturnsKeyOnce(t *testing.T) {
	h := newHarness(t)

	reg, err := h.mgr.Register(context.Background(), "Runner-01.Example.com.", true)
	require.NoError(t, err)
	assert.Equal(t, "runner-01.example.com", reg.FQDN)
	assert.Len(t, reg.APIKey, 64)
	assert.Nil(t, reg.InsecureEnabledUntil)
	require.NotNil(t, reg.ExpiresAt)
	assert.Equal(t, h.now.Add(30*time.Minute), *reg.ExpiresAt)

	stored, err := h.store.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, HashAPIKey(reg.APIKey), stored.APIKeyHash)
	assert.NotContains(t, stored.APIKeyEnc, reg.APIKey)
	assert.True(t, envelope.IsEncrypted(stored.APIKeyEnc))

	recovered, err := h.mgr.APIKey(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, reg.APIKey, recovered)

	assert.Equal(t, []string{bus.SubjectHostRegistered}, h.bus.subjects)
	assert.Equal(t, 1, h.sink.calls)
	assert.NotContains(t, h.logs.String(), reg.APIKey)
}

func TestRegisterInsecureHostOpensWindow(t *testing.T) {
	h := newHarness(t)

	reg, err := h.mgr.Register(context.Background(), "laptop.example.com", false)
	require.NoError(t, err)
	require.NotNil(t, reg.InsecureEnabledUntil)
	assert.True(t, reg.InsecureEnabledUntil.After(h.now))
	assert.Equal(t, h.now.Add(10*time.Minute), *reg.InsecureEnabledUntil)

	stored, err := h.store.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowOpen, stored.WindowState(h.now))
	require.NotNil(t, stored.InsecureGraceUntil)
	assert.Equal(t, h.now.Add(15*time.Minute), *stored.InsecureGraceUntil)
}

func TestRegisterRejectsDuplicateAndInvalidFQDN(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Register(context.Background(), "a.example.com", true)
	require.NoError(t, err)
	_, err = h.mgr.Register(context.Background(), "A.example.com", true)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	for _, bad := range []string{"", "bad host", "-lead.example.com", "under_score.example.com"} {
		_, err = h.mgr.Register(context.Background(), bad, true)
		assert.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestAuthenticateRejectsUnknownAndSuspendedKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Authenticate(ctx, "", CallInfo{})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
	_, err = h.mgr.Authenticate(ctx, "nope", CallInfo{})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	reg, err := h.mgr.Register(ctx, "s.example.com", true)
	require.NoError(t, err)
	_, err = h.mgr.Suspend(ctx, reg.ID)
	require.NoError(t, err)

	_, err = h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.EqualError(t, apperr.ErrAuthentication, "invalid api key")

	_, err = h.mgr.Reactivate(ctx, reg.ID)
	require.NoError(t, err)
	_, err = h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{})
	assert.NoError(t, err)
}

func TestAuthenticateRenewsProvisionalLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.mgr.Register(ctx, "lease.example.com", true)
	require.NoError(t, err)

	// Previous deadline far in the future must still be replaced.
	far := h.now.Add(72 * time.Hour)
	stored, _ := h.store.Get(ctx, reg.ID)
	stored.ExpiresAt = &far
	h.store.put(*stored)

	h.now = h.now.Add(10 * time.Minute)
	got, err := h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{IP: "10.0.0.5", ClientVersion: "0.45.0", WrapperVersion: "1.2.0"})
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, h.now.Add(2*time.Hour), *got.ExpiresAt, time.Second)
	assert.Equal(t, int64(1), got.APICalls)
	assert.Equal(t, "0.45.0", *got.ClientVersion)
	assert.Equal(t, "1.2.0", *got.WrapperVersion)
	assert.Equal(t, "10.0.0.5", *got.IP)
	assert.True(t, got.Activated())
}

func TestAuthenticateLocksFirstIP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.mgr.Register(ctx, "ip.example.com", true)
	require.NoError(t, err)

	_, err = h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{IP: "192.0.2.1"})
	require.NoError(t, err)
	_, err = h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{IP: "192.0.2.1"})
	require.NoError(t, err)

	_, err = h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{IP: "198.51.100.7"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	roam := true
	_, err = h.mgr.Update(ctx, reg.ID, Patch{AllowRoamingIPs: &roam})
	require.NoError(t, err)
	got, err := h.mgr.Authenticate(ctx, reg.APIKey, CallInfo{IP: "198.51.100.7"})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", *got.IP)

	_, err = h.mgr.ResetIP(ctx, reg.ID)
	require.NoError(t, err)
	stored, _ := h.store.Get(ctx, reg.ID)
	assert.Nil(t, stored.IP)
}

func TestInsecureWindowStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.mgr.Register(ctx, "kiosk.example.com", false)
	require.NoError(t, err)

	got, err := h.mgr.EnableInsecure(ctx, reg.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInsecureWindowMinutes, *got.InsecureWindowMinutes)
	assert.Equal(t, WindowOpen, got.WindowState(h.now))
	assert.Equal(t, WindowGrace, got.WindowState(h.now.Add(12*time.Minute)))
	assert.Equal(t, WindowClosed, got.WindowState(h.now.Add(16*time.Minute)))
	assert.True(t, got.RetrieveAllowed(h.now.Add(12*time.Minute)))
	assert.False(t, got.RetrieveAllowed(h.now.Add(16*time.Minute)))

	big := 10_000
	got, err = h.mgr.EnableInsecure(ctx, reg.ID, &big)
	require.NoError(t, err)
	assert.Equal(t, MaxInsecureWindowMinutes, *got.InsecureWindowMinutes)
	assert.Equal(t, h.now.Add(480*time.Minute), *got.InsecureEnabledUntil)

	negative := -3
	got, err = h.mgr.EnableInsecure(ctx, reg.ID, &negative)
	require.NoError(t, err)
	assert.Equal(t, 0, *got.InsecureWindowMinutes)
	assert.Equal(t, WindowGrace, got.WindowState(h.now))

	got, err = h.mgr.DisableInsecure(ctx, reg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.InsecureEnabledUntil)
	assert.Nil(t, got.InsecureGraceUntil)
	assert.Equal(t, WindowClosed, got.WindowState(h.now))
	assert.False(t, got.RetrieveAllowed(h.now))
}

func TestEnableInsecureRejectsSecureHost(t *testing.T) {
	h := newHarness(t)
	reg, err := h.mgr.Register(context.Background(), "vault.example.com", true)
	require.NoError(t, err)

	_, err = h.mgr.EnableInsecure(context.Background(), reg.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestInsecureHostWithoutWindowIsDenied(t *testing.T) {
	host := &Host{Secure: false}
	now := time.Now()
	assert.Equal(t, WindowClosed, host.WindowState(now))
	assert.False(t, host.RetrieveAllowed(now))
	assert.True(t, (&Host{Secure: true}).RetrieveAllowed(now))
}

func TestPruneStaleHosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := h.now.Add(-time.Minute)
	longAgo := h.now.Add(-31 * 24 * time.Hour)
	recent := h.now.Add(-time.Hour)
	refresh := "2026-05-01T00:00:00Z"

	expired := Host{ID: uuid.New(), FQDN: "expired.example.com", Status: StatusActive, ExpiresAt: &past}
	calledButExpired := Host{ID: uuid.New(), FQDN: "called.example.com", Status: StatusActive, ExpiresAt: &past, APICalls: 3, LastSeenAt: &recent}
	refreshedButExpired := Host{ID: uuid.New(), FQDN: "refreshed.example.com", Status: StatusActive, ExpiresAt: &past, LastRefresh: &refresh, UpdatedAt: recent}
	inactive := Host{ID: uuid.New(), FQDN: "inactive.example.com", Status: StatusActive, APICalls: 9, LastSeenAt: &longAgo}
	fresh := Host{ID: uuid.New(), FQDN: "fresh.example.com", Status: StatusActive, ExpiresAt: ptrTime(h.now.Add(time.Hour))}
	for _, host := range []Host{expired, calledButExpired, refreshedButExpired, inactive, fresh} {
		h.store.put(host)
	}

	report, err := h.mgr.PruneStaleHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"expired.example.com"}, report.Expired)
	assert.Equal(t, []string{"inactive.example.com"}, report.Inactive)

	remaining, err := h.store.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range remaining {
		names = append(names, r.FQDN)
	}
	assert.ElementsMatch(t, []string{"called.example.com", "refreshed.example.com", "fresh.example.com"}, names)

	assert.Contains(t, h.logs.String(), `"reason":"expired"`)
	assert.Contains(t, h.logs.String(), `"reason":"inactive"`)
	assert.Len(t, h.store.audited, 2)
	assert.Equal(t, 1, h.sink.calls)
	assert.Equal(t, []string{bus.SubjectHostPruned, bus.SubjectHostPruned}, h.bus.subjects)
}

func TestPruneWithNothingStaleSkipsRegeneration(t *testing.T) {
	h := newHarness(t)
	report, err := h.mgr.PruneStaleHosts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Zero(t, h.sink.calls)
}

func TestUpdateValidatesReasoningEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg, err := h.mgr.Register(ctx, "model.example.com", true)
	require.NoError(t, err)

	bad := "extreme"
	_, err = h.mgr.Update(ctx, reg.ID, Patch{ReasoningEffortOverride: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	effort, model, vip := "HIGH", "gpt-5-codex", true
	got, err := h.mgr.Update(ctx, reg.ID, Patch{ReasoningEffortOverride: &effort, ModelOverride: &model, VIP: &vip})
	require.NoError(t, err)
	assert.Equal(t, "high", *got.ReasoningEffortOverride)
	assert.Equal(t, "gpt-5-codex", *got.ModelOverride)
	assert.Equal(t, QuotaWarn, QuotaMode(got))

	empty := ""
	got, err = h.mgr.Update(ctx, reg.ID, Patch{ModelOverride: &empty})
	require.NoError(t, err)
	assert.Nil(t, got.ModelOverride)

	_, err = h.mgr.Update(ctx, reg.ID, Patch{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeleteHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg, err := h.mgr.Register(ctx, "gone.example.com", true)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Delete(ctx, reg.ID))
	_, err = h.mgr.Get(ctx, reg.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, h.mgr.Delete(ctx, reg.ID), apperr.ErrNotFound)
}

func TestNormalizeQuotaWeekPartition(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"off", 0, true},
		{"0", 0, true},
		{" 5 ", 5, true},
		{"7", 7, true},
		{"6", 0, false},
		{"", 0, false},
		{"weekly", 0, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeQuotaWeekPartition(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestClampInsecureMinutes(t *testing.T) {
	assert.Equal(t, 10, ClampInsecureMinutes(nil))
	v := 45
	assert.Equal(t, 45, ClampInsecureMinutes(&v))
}

func ptrTime(t time.Time) *time.Time { return &t }
