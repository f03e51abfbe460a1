// Package authsync answers the store and retrieve commands hosts send to
// keep their auth.json in step with the canonical payload.
package authsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetauth/pkg/apperr"
	"fleetauth/pkg/bus"
	"fleetauth/pkg/metrics"
	"fleetauth/services/hosts"
	"fleetauth/services/ledger"
	"fleetauth/services/settings"
	"fleetauth/services/trustgate"
)

// Commands.
const (
	CommandStore    = "store"
	CommandRetrieve = "retrieve"
)

// Response statuses.
const (
	StatusCreated        = "created"
	StatusUpdated        = "updated"
	StatusUnchanged      = "unchanged"
	StatusMissing        = "missing"
	StatusUploadRequired = "upload_required"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Ledger is the part of the payload ledger the protocol needs.
type Ledger interface {
	Latest(ctx context.Context) (*ledger.Payload, error)
	FindByIDWithEntries(ctx context.Context, id uuid.UUID) (*ledger.Payload, error)
	Append(ctx context.Context, p ledger.AppendParams) (*ledger.Payload, error)
	MarkServed(ctx context.Context, hostID uuid.UUID, payload *ledger.Payload) error
	RecentDigests(ctx context.Context, hostID uuid.UUID) ([]string, error)
}

// Gate approves proposed credentials.
type Gate interface {
	Verify(ctx context.Context, req trustgate.Request) trustgate.Result
}

// Settings supplies the version and quota blocks.
type Settings interface {
	VersionInfo(ctx context.Context, h *hosts.Host) (settings.Versions, error)
	QuotaWeekPartition(ctx context.Context) (int, error)
}

// Request is the decoded body of a sync call.
type Request struct {
	Command        string    `json:"command"`
	Auth           *Document `json:"auth,omitempty"`
	LastRefresh    string    `json:"last_refresh,omitempty"`
	Digest         string    `json:"digest,omitempty"`
	APIKey         string    `json:"api_key,omitempty"`
	FQDN           string    `json:"fqdn,omitempty"`
	ClientVersion  string    `json:"client_version,omitempty"`
	WrapperVersion string    `json:"wrapper_version,omitempty"`
}

// CallMeta describes the HTTP call carrying the request.
type CallMeta struct {
	ClientVersion  string
	WrapperVersion string
	BaseURL        string
	APIKey         string
	IP             string
}

// Validation reports the trust gate verdict of a store.
type Validation struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HostSettings echoes per-host pins.
type HostSettings struct {
	ModelOverride           *string `json:"model_override,omitempty"`
	ReasoningEffortOverride *string `json:"reasoning_effort_override,omitempty"`
}

// Quota tells the client how usage overruns are treated.
type Quota struct {
	Mode          string `json:"mode"`
	WeekPartition int    `json:"week_partition"`
}

// Response is returned for every expected protocol state.
type Response struct {
	Status               string            `json:"status"`
	Action               string            `json:"action,omitempty"`
	RunnerApplied        *bool             `json:"runner_applied,omitempty"`
	CanonicalDigest      string            `json:"canonical_digest,omitempty"`
	CanonicalLastRefresh string            `json:"canonical_last_refresh,omitempty"`
	Validation           *Validation       `json:"validation,omitempty"`
	Auth                 *Document         `json:"auth,omitempty"`
	Versions             settings.Versions `json:"versions"`
	Host                 *HostSettings     `json:"host,omitempty"`
	Quota                Quota             `json:"quota"`
}

// Config wires the Service.
type Config struct {
	Ledger   Ledger
	Gate     Gate
	Settings Settings
	Bus      bus.Publisher
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Service implements the protocol.
type Service struct {
	ledger   Ledger
	gate     Gate
	settings Settings
	bus      bus.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("trust gate is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		ledger:   cfg.Ledger,
		gate:     cfg.Gate,
		settings: cfg.Settings,
		bus:      cfg.Bus,
		log:      cfg.Logger.With().Str("component", "authsync").Logger(),
		now:      cfg.Now,
	}, nil
}

// Handle dispatches req for the already authenticated host h.
func (s *Service) Handle(ctx context.Context, req Request, h *hosts.Host, meta CallMeta) (*Response, error) {
	if h == nil {
		return nil, apperr.ErrAuthentication
	}
	command := strings.ToLower(strings.TrimSpace(req.Command))

	var (
		resp *Response
		err  error
	)
	switch command {
	case CommandStore:
		resp, err = s.store(ctx, req, h, meta)
	case CommandRetrieve:
		resp, err = s.retrieve(ctx, req, h)
	default:
		metrics.SyncRequests.WithLabelValues("unknown", "invalid").Inc()
		return nil, apperr.Validation("command", "must be store or retrieve")
	}
	if err != nil {
		metrics.SyncRequests.WithLabelValues(command, errorLabel(err)).Inc()
		return nil, err
	}
	if err := s.decorate(ctx, resp, h); err != nil {
		return nil, err
	}
	metrics.SyncRequests.WithLabelValues(command, resp.Status).Inc()
	return resp, nil
}

func (s *Service) store(ctx context.Context, req Request, h *hosts.Host, meta CallMeta) (*Response, error) {
	doc := req.Auth
	if doc == nil {
		return nil, apperr.Validation("auth", "is required")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	digest, err := doc.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest auth payload: %w", err)
	}

	canonical, err := s.ledger.Latest(ctx)
	if err != nil {
		return nil, err
	}

	if canonical != nil && canonical.SHA256 == digest {
		if err := s.markServed(ctx, h, canonical); err != nil {
			return nil, err
		}
		return &Response{
			Status:               StatusUnchanged,
			RunnerApplied:        boolPtr(false),
			CanonicalDigest:      canonical.SHA256,
			CanonicalLastRefresh: canonical.LastRefresh,
			Validation:           &Validation{Status: "skipped"},
		}, nil
	}

	if canonical != nil && refreshBefore(doc.LastRefresh, canonical.LastRefresh) {
		s.log.Warn().
			Str("host_id", h.ID.String()).
			Str("fqdn", h.FQDN).
			Str("incoming_last_refresh", doc.LastRefresh).
			Str("canonical_last_refresh", canonical.LastRefresh).
			Str("incoming_digest", digest).
			Str("canonical_digest", canonical.SHA256).
			Msg("accepting store older than canonical")
	}

	authJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode auth payload: %w", err)
	}
	gateReq := trustgate.Request{
		AuthJSON: authJSON,
		BaseURL:  meta.BaseURL,
		APIKey:   firstNonEmpty(req.APIKey, meta.APIKey),
		FQDN:     firstNonEmpty(req.FQDN, h.FQDN),
	}
	verdict := s.gate.Verify(ctx, gateReq)
	if !verdict.OK() {
		s.log.Warn().
			Str("host_id", h.ID.String()).
			Str("fqdn", h.FQDN).
			Str("reason", verdict.Reason).
			Bool("reachable", verdict.Reachable).
			Msg("store rejected by trust gate")
		return nil, &apperr.GateRejection{Reason: verdict.Reason, Reachable: verdict.Reachable, LatencyMS: verdict.LatencyMS}
	}

	payload, err := s.ledger.Append(ctx, ledger.AppendParams{
		HostID:      h.ID,
		LastRefresh: doc.LastRefresh,
		SHA256:      digest,
		Entries:     doc.Entries(),
		Extras:      doc.Extras,
	})
	if err != nil {
		return nil, err
	}

	status := StatusUpdated
	if canonical == nil {
		status = StatusCreated
	}
	s.log.Info().
		Str("host_id", h.ID.String()).
		Str("fqdn", h.FQDN).
		Str("digest", digest).
		Int64("seq", payload.Seq).
		Str("status", status).
		Msg("canonical payload stored")
	if err := s.bus.Publish(ctx, bus.SubjectAuthStored, map[string]any{
		"host_id":      h.ID.String(),
		"fqdn":         h.FQDN,
		"payload_id":   payload.ID.String(),
		"seq":          payload.Seq,
		"digest":       digest,
		"last_refresh": doc.LastRefresh,
		"status":       status,
	}); err != nil {
		s.log.Warn().Err(err).Msg("publish auth stored")
	}

	return &Response{
		Status:               status,
		RunnerApplied:        boolPtr(true),
		CanonicalDigest:      payload.SHA256,
		CanonicalLastRefresh: payload.LastRefresh,
		Validation:           &Validation{Status: verdict.Status, LatencyMS: verdict.LatencyMS},
	}, nil
}

func (s *Service) retrieve(ctx context.Context, req Request, h *hosts.Host) (*Response, error) {
	if !h.RetrieveAllowed(s.now().UTC()) {
		return nil, fmt.Errorf("insecure window closed for %s: %w", h.FQDN, apperr.ErrForbidden)
	}

	reportedDigest := strings.TrimSpace(req.Digest)
	if reportedDigest != "" && !digestPattern.MatchString(reportedDigest) {
		return nil, apperr.Validation("digest", "must be 64 lowercase hex characters")
	}
	reportedRefresh := strings.TrimSpace(req.LastRefresh)
	if reportedRefresh != "" {
		if _, err := time.Parse(time.RFC3339Nano, reportedRefresh); err != nil {
			return nil, apperr.Validation("last_refresh", "must be an RFC3339 timestamp")
		}
	}

	canonical, err := s.ledger.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		return &Response{Status: StatusMissing}, nil
	}

	if reportedDigest != "" && reportedDigest == canonical.SHA256 {
		if err := s.markServed(ctx, h, canonical); err != nil {
			return nil, err
		}
		return &Response{
			Status:               StatusUnchanged,
			CanonicalDigest:      canonical.SHA256,
			CanonicalLastRefresh: canonical.LastRefresh,
		}, nil
	}

	if reportedRefresh != "" && refreshBefore(canonical.LastRefresh, reportedRefresh) {
		recent, err := s.ledger.RecentDigests(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if !contains(recent, reportedDigest) {
			return &Response{
				Status:               StatusUploadRequired,
				Action:               CommandStore,
				CanonicalDigest:      canonical.SHA256,
				CanonicalLastRefresh: canonical.LastRefresh,
			}, nil
		}
	}

	full, err := s.ledger.FindByIDWithEntries(ctx, canonical.ID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.MarkServed(ctx, h.ID, full); err != nil {
		return nil, err
	}
	return &Response{
		Status:               StatusUpdated,
		CanonicalDigest:      full.SHA256,
		CanonicalLastRefresh: full.LastRefresh,
		Auth:                 DocumentFromPayload(full),
	}, nil
}

// markServed moves the cursor only when the host's cached digest is stale.
func (s *Service) markServed(ctx context.Context, h *hosts.Host, canonical *ledger.Payload) error {
	if h.AuthDigest != nil && *h.AuthDigest == canonical.SHA256 {
		return nil
	}
	return s.ledger.MarkServed(ctx, h.ID, canonical)
}

func (s *Service) decorate(ctx context.Context, resp *Response, h *hosts.Host) error {
	versions, err := s.settings.VersionInfo(ctx, h)
	if err != nil {
		return err
	}
	resp.Versions = versions

	partition, err := s.settings.QuotaWeekPartition(ctx)
	if err != nil {
		return err
	}
	resp.Quota = Quota{Mode: hosts.QuotaMode(h), WeekPartition: partition}

	if h.ModelOverride != nil || h.ReasoningEffortOverride != nil {
		resp.Host = &HostSettings{
			ModelOverride:           h.ModelOverride,
			ReasoningEffortOverride: h.ReasoningEffortOverride,
		}
	}
	return nil
}

// refreshBefore reports whether timestamp a is strictly older than b.
func refreshBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ta.Before(tb)
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrTrustGate):
		return "gate_rejected"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func boolPtr(b bool) *bool { return &b }
