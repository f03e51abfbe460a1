// Package agent is the host side of the sync protocol: it keeps the local
// auth.json in step with the coordinator's canonical payload.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetauth/pkg/telemetry"
	"fleetauth/services/authsync"
)

const requestTimeout = 15 * time.Second

// State is what the agent remembers between runs.
type State struct {
	CanonicalDigest string    `json:"canonical_digest,omitempty"`
	LastStatus      string    `json:"last_status,omitempty"`
	SyncedAt        time.Time `json:"synced_at,omitempty"`
}

// Service is the long-running loop that syncs auth.json.
type Service struct {
	client *http.Client
	config Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService wires a Service from a validated config.
func NewService(cfg Config, client *http.Client, logger zerolog.Logger) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = telemetry.HTTPClient(requestTimeout)
	}
	return &Service{
		client: client,
		config: cfg,
		log:    logger.With().Str("component", "agent").Logger(),
		now:    time.Now,
	}, nil
}

// Run syncs once immediately and then on every interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("initial sync failed")
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("sync failed")
			}
		}
	}
}

// SyncOnce runs a retrieve and follows up with a store when the
// coordinator asks for our copy. It returns the final protocol status.
func (s *Service) SyncOnce(ctx context.Context) (string, error) {
	local, err := s.readLocal()
	if err != nil {
		return "", err
	}
	state := s.loadState()

	req := authsync.Request{Command: authsync.CommandRetrieve}
	if local != nil {
		digest, err := local.Digest()
		if err != nil {
			return "", fmt.Errorf("digest local auth: %w", err)
		}
		req.Digest = digest
		req.LastRefresh = local.LastRefresh
	} else if state.CanonicalDigest != "" {
		req.Digest = state.CanonicalDigest
	}

	resp, err := s.call(ctx, req)
	if err != nil {
		return "", err
	}

	switch resp.Status {
	case authsync.StatusUpdated:
		if resp.Auth == nil {
			return "", errors.New("updated response carried no auth document")
		}
		if err := s.writeLocal(resp.Auth); err != nil {
			return "", err
		}
		s.log.Info().Str("digest", short(resp.CanonicalDigest)).Msg("auth.json updated")
	case authsync.StatusUnchanged:
		s.log.Debug().Str("digest", short(resp.CanonicalDigest)).Msg("auth.json current")
	case authsync.StatusUploadRequired, authsync.StatusMissing:
		if local == nil {
			s.log.Warn().Str("status", resp.Status).Msg("coordinator wants a copy but no local auth.json exists")
			break
		}
		stored, err := s.call(ctx, authsync.Request{Command: authsync.CommandStore, Auth: local})
		if err != nil {
			return "", fmt.Errorf("store local auth: %w", err)
		}
		s.log.Info().Str("status", stored.Status).Str("digest", short(stored.CanonicalDigest)).Msg("local auth.json pushed")
		resp = stored
	default:
		return "", fmt.Errorf("unexpected sync status %q", resp.Status)
	}

	if err := s.saveState(State{
		CanonicalDigest: firstNonEmpty(resp.CanonicalDigest, state.CanonicalDigest),
		LastStatus:      resp.Status,
		SyncedAt:        s.now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Msg("persist agent state")
	}
	return resp.Status, nil
}

func (s *Service) call(ctx context.Context, payload authsync.Request) (*authsync.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := strings.TrimRight(s.config.API, "/") + "/v1/auth"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.config.APIKey)
	if v := s.config.ClientVersion; v != "" {
		req.Header.Set("X-Client-Version", v)
	}
	if v := s.config.WrapperVersion; v != "" {
		req.Header.Set("X-Wrapper-Version", v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("post %s: %w", payload.Command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s unexpected status %d: %s", payload.Command, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out authsync.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", payload.Command, err)
	}
	return &out, nil
}

func (s *Service) readLocal() (*authsync.Document, error) {
	data, err := os.ReadFile(s.config.AuthPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth.json: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc authsync.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse auth.json: %w", err)
	}
	if err := doc.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("local auth.json is incomplete, ignoring it")
		return nil, nil
	}
	return &doc, nil
}

func (s *Service) writeLocal(doc *authsync.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth.json: %w", err)
	}
	return writeFileAtomic(s.config.AuthPath, append(data, '\n'), 0o600)
}

func (s *Service) loadState() State {
	var st State
	data, err := os.ReadFile(s.config.StatePath)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn().Err(err).Msg("discarding unreadable agent state")
		return State{}
	}
	return st
}

func (s *Service) saveState(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.config.StatePath, data, 0o600)
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
