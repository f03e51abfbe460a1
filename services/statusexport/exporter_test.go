package statusexport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"fleetauth/pkg/s3"
	"fleetauth/services/hosts"
	"fleetauth/services/ledger"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHosts []hosts.Host

func (f fakeHosts) List(context.Context) ([]hosts.Host, error) { return f, nil }

type fakeCanonical struct{ p *ledger.Payload }

func (f fakeCanonical) Latest(context.Context) (*ledger.Payload, error) { return f.p, nil }

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]s3.Object
}

func (u *fakeUploader) Put(_ context.Context, obj s3.Object) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string]s3.Object{}
	}
	u.objects[obj.Key] = obj
	return nil
}

func strPtr(s string) *string { return &s }

func fleet() fakeHosts {
	digest := strings.Repeat("ab", 32)
	windowEnd := fixedNow.Add(5 * time.Minute)
	return fakeHosts{
		{ID: uuid.New(), FQDN: "b.example.com", Status: hosts.StatusActive, Secure: true, AuthDigest: strPtr(digest), APICalls: 4, ClientVersion: strPtr("0.41.0")},
		{ID: uuid.New(), FQDN: "a.example.com", Status: hosts.StatusSuspended, Secure: false, InsecureEnabledUntil: &windowEnd, VIP: true},
	}
}

func canonicalPayload() *ledger.Payload {
	digest := strings.Repeat("ab", 32)
	return &ledger.Payload{ID: uuid.New(), Seq: 3, SHA256: digest, LastRefresh: "2026-03-01T10:00:00Z", CreatedAt: fixedNow}
}

func TestBuildCountsFleet(t *testing.T) {
	e, err := New(fleet(), fakeCanonical{canonicalPayload()}, Config{Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)

	snap, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Active: 1, Suspended: 1, Secure: 1, Insecure: 1, Provisional: 1, WindowOpen: 1, VIP: 1, InSync: 1}, snap.Counts)
	require.Len(t, snap.Hosts, 2)
	assert.Equal(t, "a.example.com", snap.Hosts[0].FQDN)
	assert.Equal(t, string(hosts.WindowOpen), snap.Hosts[0].Window)
	assert.True(t, snap.Hosts[1].InSync)
	require.NotNil(t, snap.Canonical)
	assert.Equal(t, int64(3), snap.Canonical.Seq)
}

func TestRegenerateWritesSignedFilesAndUploads(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(identity.String())
	require.NoError(t, err)
	assert.Equal(t, identity.Recipient().String(), signer.Recipient())

	dir := t.TempDir()
	uploader := &fakeUploader{}
	e, err := New(fleet(), fakeCanonical{canonicalPayload()}, Config{
		OutputDir: dir,
		Bucket:    "fleet-status",
		Prefix:    "prod",
		Signer:    signer,
		Uploader:  uploader,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	require.NoError(t, e.Regenerate(context.Background()))

	text, err := os.ReadFile(filepath.Join(dir, TextFile))
	require.NoError(t, err)
	assert.Contains(t, string(text), "b.example.com")
	assert.Contains(t, string(text), "total=2")

	raw, err := os.ReadFile(filepath.Join(dir, JSONFile))
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, 2, snap.Counts.Total)

	manifestBytes, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, yaml.Unmarshal(manifestBytes, &manifest))
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, signer.Recipient(), manifest.Signer)
	require.NoError(t, VerifyManifest(manifest, signer.PublicKey()))

	require.Contains(t, uploader.objects, "prod/status.txt.zst")
	require.Contains(t, uploader.objects, "prod/status.yaml")
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(uploader.objects["prod/status.txt.zst"].Body, nil)
	require.NoError(t, err)
	assert.Equal(t, text, plain)
	assert.Equal(t, "zstd", uploader.objects["prod/status.txt.zst"].ContentEncoding)

	require.NotNil(t, e.Last())
}

func TestRegenerateWithoutOutputsKeepsSnapshotInMemory(t *testing.T) {
	e, err := New(fakeHosts{}, fakeCanonical{}, Config{Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	require.NoError(t, e.Regenerate(context.Background()))
	last := e.Last()
	require.NotNil(t, last)
	assert.Nil(t, last.Canonical)
	assert.Empty(t, last.Manifest.Signature)
}

func TestNewRequiresUploaderForBucket(t *testing.T) {
	_, err := New(fakeHosts{}, fakeCanonical{}, Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestVerifyManifestRejectsForeignOrTamperedManifest(t *testing.T) {
	a, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	b, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sa, err := NewSigner(a.String())
	require.NoError(t, err)
	sb, err := NewSigner(b.String())
	require.NoError(t, err)

	m := Manifest{Version: "1", GeneratedAt: fixedNow, Hosts: 3}
	require.NoError(t, sa.Seal(&m))
	assert.NoError(t, VerifyManifest(m, ""))
	assert.NoError(t, VerifyManifest(m, sa.PublicKey()))
	assert.Error(t, VerifyManifest(m, sb.PublicKey()))

	tampered := m
	tampered.Hosts = 4
	assert.Error(t, VerifyManifest(tampered, ""))

	assert.Error(t, VerifyManifest(Manifest{Version: "1"}, ""))

	_, err = NewSigner("not-a-key")
	assert.Error(t, err)
	_, err = NewSigner("")
	assert.Error(t, err)
}
