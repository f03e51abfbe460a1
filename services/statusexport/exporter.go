// Package statusexport publishes a fleet health snapshot after every change
// to the host list: a text report, a JSON document and a signed manifest,
// written to disk and optionally uploaded to object storage.
package statusexport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"fleetauth/pkg/render"
	"fleetauth/pkg/s3"
	"fleetauth/services/hosts"
	"fleetauth/services/ledger"
)

const (
	TextFile     = "status.txt"
	JSONFile     = "status.json"
	ManifestName = "status.yaml"
)

// HostLister reads the fleet.
type HostLister interface {
	List(ctx context.Context) ([]hosts.Host, error)
}

// Canonical reads the newest payload.
type Canonical interface {
	Latest(ctx context.Context) (*ledger.Payload, error)
}

// Uploader stores an object.
type Uploader interface {
	Put(ctx context.Context, obj s3.Object) error
}

// Config wires an Exporter. Every output is optional: with no OutputDir and
// no Bucket the snapshot is only kept in memory.
type Config struct {
	OutputDir string
	Bucket    string
	Prefix    string
	Signer    *Signer
	Uploader  Uploader
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Counts aggregates the fleet.
type Counts struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Suspended   int `json:"suspended"`
	Secure      int `json:"secure"`
	Insecure    int `json:"insecure"`
	Provisional int `json:"provisional"`
	WindowOpen  int `json:"window_open"`
	VIP         int `json:"vip"`
	InSync      int `json:"in_sync"`
}

// CanonicalInfo describes the canonical payload without secrets.
type CanonicalInfo struct {
	Digest      string    `json:"digest"`
	LastRefresh string    `json:"last_refresh"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// HostRow is one line of the report.
type HostRow struct {
	FQDN          string     `json:"fqdn"`
	Status        string     `json:"status"`
	Secure        bool       `json:"secure"`
	VIP           bool       `json:"vip"`
	Provisional   bool       `json:"provisional"`
	Window        string     `json:"window"`
	InSync        bool       `json:"in_sync"`
	AuthDigest    string     `json:"auth_digest,omitempty"`
	ClientVersion string     `json:"client_version,omitempty"`
	APICalls      int64      `json:"api_calls"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Snapshot is the exported fleet state.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Counts      Counts         `json:"counts"`
	Canonical   *CanonicalInfo `json:"canonical,omitempty"`
	Hosts       []HostRow      `json:"hosts"`
	Manifest    *Manifest      `json:"-"`
}

// Exporter builds and publishes snapshots. Regenerations are serialized.
type Exporter struct {
	hosts     HostLister
	canonical Canonical
	engine    *render.Engine
	cfg       Config
	log       zerolog.Logger

	mu   sync.Mutex
	last *Snapshot
}

// New returns an Exporter.
func New(h HostLister, c Canonical, cfg Config) (*Exporter, error) {
	if h == nil || c == nil {
		return nil, errors.New("host lister and canonical reader are required")
	}
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	if cfg.Bucket != "" && cfg.Uploader == nil {
		return nil, errors.New("uploader is required when a bucket is configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{
		hosts:     h,
		canonical: c,
		engine:    engine,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "statusexport").Logger(),
	}, nil
}

// Regenerate rebuilds the snapshot and publishes it.
func (e *Exporter) Regenerate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.build(ctx)
	if err != nil {
		return err
	}

	text, err := e.engine.Render("status.txt", snap)
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}
	doc, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	files := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{TextFile, []byte(text), "text/plain; charset=utf-8"},
		{JSONFile, doc, "application/json"},
	}

	manifest := Manifest{
		Version:     "1",
		GeneratedAt: snap.GeneratedAt,
		Hosts:       snap.Counts.Total,
	}
	if snap.Canonical != nil {
		manifest.CanonicalDigest = snap.Canonical.Digest
	}
	for _, f := range files {
		sum := sha256.Sum256(f.data)
		manifest.Files = append(manifest.Files, ManifestFile{Name: f.name, Size: int64(len(f.data)), SHA256: hex.EncodeToString(sum[:])})
	}
	if err := e.cfg.Signer.Seal(&manifest); err != nil {
		return err
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	snap.Manifest = &manifest

	if e.cfg.OutputDir != "" {
		if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create status dir: %w", err)
		}
		for _, f := range files {
			if err := writeAtomic(filepath.Join(e.cfg.OutputDir, f.name), f.data); err != nil {
				return err
			}
		}
		if err := writeAtomic(filepath.Join(e.cfg.OutputDir, ManifestName), manifestBytes); err != nil {
			return err
		}
	}

	if e.cfg.Bucket != "" {
		for _, f := range files {
			compressed, err := compress(f.data)
			if err != nil {
				return err
			}
			if err := e.cfg.Uploader.Put(ctx, s3.Object{
				Bucket:          e.cfg.Bucket,
				Key:             path.Join(e.cfg.Prefix, f.name+".zst"),
				Body:            compressed,
				ContentType:     f.contentType,
				ContentEncoding: "zstd",
			}); err != nil {
				return err
			}
		}
		if err := e.cfg.Uploader.Put(ctx, s3.Object{
			Bucket:      e.cfg.Bucket,
			Key:         path.Join(e.cfg.Prefix, ManifestName),
			Body:        manifestBytes,
			ContentType: "application/yaml",
		}); err != nil {
			return err
		}
	}

	e.last = snap
	e.log.Debug().Int("hosts", snap.Counts.Total).Msg("status snapshot regenerated")
	return nil
}

// Last returns the most recent snapshot, or nil before the first Regenerate.
func (e *Exporter) Last() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Build computes a snapshot without publishing it.
func (e *Exporter) Build(ctx context.Context) (*Snapshot, error) {
	return e.build(ctx)
}

func (e *Exporter) build(ctx context.Context) (*Snapshot, error) {
	list, err := e.hosts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	latest, err := e.canonical.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load canonical payload: %w", err)
	}

	now := e.cfg.Now().UTC().Truncate(time.Second)
	snap := &Snapshot{GeneratedAt: now, Hosts: make([]HostRow, 0, len(list))}
	if latest != nil {
		snap.Canonical = &CanonicalInfo{
			Digest:      latest.SHA256,
			LastRefresh: latest.LastRefresh,
			Seq:         latest.Seq,
			CreatedAt:   latest.CreatedAt,
		}
	}

	for i := range list {
		h := &list[i]
		row := HostRow{
			FQDN:        h.FQDN,
			Status:      h.Status,
			Secure:      h.Secure,
			VIP:         h.VIP,
			Provisional: !h.Activated(),
			Window:      "-",
			APICalls:    h.APICalls,
			LastSeenAt:  h.LastSeenAt,
			ExpiresAt:   h.ExpiresAt,
		}
		if h.AuthDigest != nil {
			row.AuthDigest = *h.AuthDigest
		}
		if h.ClientVersion != nil {
			row.ClientVersion = *h.ClientVersion
		}
		if !h.Secure {
			row.Window = string(h.WindowState(now))
		}
		row.InSync = latest != nil && row.AuthDigest == latest.SHA256

		c := &snap.Counts
		c.Total++
		if h.Status == hosts.StatusSuspended {
			c.Suspended++
		} else {
			c.Active++
		}
		if h.Secure {
			c.Secure++
		} else {
			c.Insecure++
			if row.Window != string(hosts.WindowClosed) {
				c.WindowOpen++
			}
		}
		if row.Provisional {
			c.Provisional++
		}
		if h.VIP {
			c.VIP++
		}
		if row.InSync {
			c.InSync++
		}
		snap.Hosts = append(snap.Hosts, row)
	}
	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].FQDN < snap.Hosts[j].FQDN })
	return snap, nil
}

func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}
