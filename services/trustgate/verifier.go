// Package trustgate asks an external runner to validate a credential bundle
// before it may become canonical.
package trustgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetauth/pkg/metrics"
	"fleetauth/pkg/telemetry"
)

const (
	DefaultTimeout = 8 * time.Second

	StatusOK   = "ok"
	StatusFail = "fail"

	maxResponseBytes = 64 << 10
)

// Request is sent to the runner.
type Request struct {
	AuthJSON json.RawMessage `json:"auth_json"`
	BaseURL  string          `json:"base_url"`
	APIKey   string          `json:"api_key,omitempty"`
	FQDN     string          `json:"fqdn,omitempty"`
}

// Result is the verdict. Anything other than StatusOK rejects the store.
type Result struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
}

// OK reports whether the runner approved the credential.
func (r Result) OK() bool { return r.Status == StatusOK }

type runnerResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	LatencyMS *int64 `json:"latency_ms"`
}

// Config configures a Verifier.
type Config struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Verifier posts proposed bundles to the runner endpoint. It never retries.
type Verifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
	wait   time.Duration
}

// New returns a Verifier. An empty URL yields a verifier that rejects every
// request, since nothing may be stored without validation.
func New(cfg Config) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = telemetry.HTTPClient(cfg.Timeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		url:    strings.TrimSpace(cfg.URL),
		client: cfg.HTTPClient,
		log:    cfg.Logger.With().Str("component", "trustgate").Logger(),
		now:    cfg.Now,
		wait:   cfg.Timeout,
	}
}

// Verify sends req and classifies the answer. Network errors, timeouts,
// non-2xx codes and malformed bodies all become StatusFail.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	start := v.now()
	res := v.verify(ctx, req)
	if res.LatencyMS == 0 {
		res.LatencyMS = v.now().Sub(start).Milliseconds()
	}

	outcome := res.Status
	if !res.Reachable {
		outcome = "unreachable"
	}
	metrics.TrustGateSeconds.WithLabelValues(outcome).Observe(float64(res.LatencyMS) / 1000)

	evt := v.log.Info()
	if !res.OK() {
		evt = v.log.Warn().Str("reason", res.Reason).Bool("reachable", res.Reachable)
	}
	evt.Str("fqdn", req.FQDN).Int64("latency_ms", res.LatencyMS).Str("status", res.Status).Msg("trust gate verdict")
	return res
}

func (v *Verifier) verify(ctx context.Context, req Request) Result {
	if v.url == "" {
		return fail("trust gate endpoint not configured", false)
	}
	if len(req.AuthJSON) == 0 {
		return fail("empty auth payload", false)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fail("encode request: "+err.Error(), false)
	}

	ctx, cancel := context.WithTimeout(ctx, v.wait)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return fail("build request: "+err.Error(), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := v.now()
	resp, err := v.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Sprintf("runner timed out after %s", v.wait), false)
		}
		return fail("runner unreachable: "+err.Error(), false)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := v.now().Sub(start).Milliseconds()
	if err != nil {
		return withLatency(fail("read runner response: "+err.Error(), true), elapsed)
	}

	var parsed runnerResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := fmt.Sprintf("runner returned HTTP %d", resp.StatusCode)
		if decodeErr == nil && parsed.Reason != "" {
			reason += ": " + parsed.Reason
		}
		return withLatency(fail(reason, true), elapsed)
	}
	if decodeErr != nil {
		return withLatency(fail("malformed runner response", true), elapsed)
	}
	if parsed.LatencyMS != nil && *parsed.LatencyMS > 0 {
		elapsed = *parsed.LatencyMS
	}
	if !strings.EqualFold(parsed.Status, StatusOK) {
		reason := parsed.Reason
		if reason == "" {
			reason = fmt.Sprintf("runner reported status %q", parsed.Status)
		}
		return withLatency(fail(reason, true), elapsed)
	}
	return Result{Status: StatusOK, Reachable: true, LatencyMS: elapsed}
}

func fail(reason string, reachable bool) Result {
	return Result{Status: StatusFail, Reason: reason, Reachable: reachable}
}

func withLatency(r Result, ms int64) Result {
	r.LatencyMS = ms
	return r
}
