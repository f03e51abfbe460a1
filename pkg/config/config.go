// Package config loads runtime configuration for the fleetauth binaries.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"fleetauth/pkg/envelope"
	"fleetauth/pkg/s3"
)

// Config holds runtime configuration for the coordinator.
type Config struct {
	Addr          string   `env:"ADDR,default=:8080"`
	DBDSN         string   `env:"DB_DSN,required"`
	PublicBaseURL string   `env:"PUBLIC_BASE_URL"`
	NATSURL       string   `env:"NATS_URL"`
	OTLPEndpoint  string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel      string   `env:"LOG_LEVEL,default=info"`
	LogFormat     string   `env:"LOG_FORMAT,default=json"`
	AdminToken    string   `env:"ADMIN_TOKEN,required"`
	CORSOrigins   []string `env:"CORS_ALLOWED_ORIGINS"`

	// TrustedProxies are the load balancers allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	EncryptionKey        string `env:"ENCRYPTION_KEY"`
	EncryptionKeyAgeFile string `env:"ENCRYPTION_KEY_AGE_FILE"`
	AgeIdentityFile      string `env:"AGE_IDENTITY_FILE"`

	RunnerURL     string        `env:"RUNNER_URL,required"`
	RunnerTimeout time.Duration `env:"RUNNER_TIMEOUT,default=8s"`

	HostLeaseDuration    time.Duration `env:"HOST_LEASE_DURATION,default=2h"`
	HostProvisionalTTL   time.Duration `env:"HOST_PROVISIONAL_TTL,default=30m"`
	HostInactivityWindow time.Duration `env:"HOST_INACTIVITY_WINDOW,default=720h"`
	InsecureGracePeriod  time.Duration `env:"INSECURE_GRACE_PERIOD,default=5m"`
	PruneInterval        time.Duration `env:"PRUNE_INTERVAL,default=15m"`

	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL,default=10m"`
	RateLimitSync          RateSpec      `env:"RATE_LIMIT_SYNC,default=120/60s"`
	RateLimitAuthFailures  RateSpec      `env:"RATE_LIMIT_AUTH_FAILURES,default=20/300s"`
	RateLimitAdmin         RateSpec      `env:"RATE_LIMIT_ADMIN,default=60/60s"`
	RateLimitInstall       RateSpec      `env:"RATE_LIMIT_INSTALL,default=10/60s"`

	ClientVersionFeedURL       string        `env:"CLIENT_VERSION_FEED_URL"`
	ClientVersionCheckInterval time.Duration `env:"CLIENT_VERSION_CHECK_INTERVAL,default=6h"`
	InstallTokenTTL            time.Duration `env:"INSTALL_TOKEN_TTL,default=30m"`

	StatusOutputDir  string `env:"STATUS_OUTPUT_DIR"`
	StatusBucket     string `env:"STATUS_BUCKET"`
	StatusSigningKey string `env:"STATUS_SIGNING_KEY"`

	S3 s3.Config `env:", prefix=S3_"`
}

// RateSpec is a "limit/window" pair such as "120/60s".
type RateSpec struct {
	Limit  int
	Window time.Duration
}

// EnvDecode implements envconfig.Decoder.
func (r *RateSpec) EnvDecode(val string) error {
	limitPart, windowPart, ok := strings.Cut(strings.TrimSpace(val), "/")
	if !ok {
		return fmt.Errorf("rate spec %q: expected limit/window", val)
	}
	var limit int
	if _, err := fmt.Sscanf(limitPart, "%d", &limit); err != nil || limit <= 0 {
		return fmt.Errorf("rate spec %q: invalid limit", val)
	}
	window, err := time.ParseDuration(windowPart)
	if err != nil || window <= 0 {
		return fmt.Errorf("rate spec %q: invalid window", val)
	}
	r.Limit = limit
	r.Window = window
	return nil
}

func (r RateSpec) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// Load reads a .env file when present and returns a validated Config.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes configuration from the provided lookuper.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	if c.EncryptionKey == "" && c.EncryptionKeyAgeFile == "" {
		return errors.New("ENCRYPTION_KEY or ENCRYPTION_KEY_AGE_FILE is required")
	}
	if c.EncryptionKeyAgeFile != "" && c.AgeIdentityFile == "" {
		return errors.New("AGE_IDENTITY_FILE is required with ENCRYPTION_KEY_AGE_FILE")
	}
	durations := map[string]time.Duration{
		"RUNNER_TIMEOUT":                c.RunnerTimeout,
		"HOST_LEASE_DURATION":           c.HostLeaseDuration,
		"HOST_PROVISIONAL_TTL":          c.HostProvisionalTTL,
		"HOST_INACTIVITY_WINDOW":        c.HostInactivityWindow,
		"PRUNE_INTERVAL":                c.PruneInterval,
		"RATE_LIMIT_SWEEP_INTERVAL":     c.RateLimitSweepInterval,
		"CLIENT_VERSION_CHECK_INTERVAL": c.ClientVersionCheckInterval,
		"INSTALL_TOKEN_TTL":             c.InstallTokenTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.InsecureGracePeriod < 0 {
		return errors.New("INSECURE_GRACE_PERIOD must not be negative")
	}
	return nil
}

// Cipher builds the envelope cipher from whichever key source is configured.
func (c Config) Cipher() (*envelope.Cipher, error) {
	var (
		key []byte
		err error
	)
	if c.EncryptionKeyAgeFile != "" {
		key, err = envelope.LoadAgeWrappedKey(c.EncryptionKeyAgeFile, c.AgeIdentityFile)
	} else {
		key, err = envelope.ParseKey(c.EncryptionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	return envelope.New(key)
}
