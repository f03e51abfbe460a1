package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigPath is where the agent expects its yaml configuration.
	ConfigPath = "/etc/fleetauth/agent.yaml"

	defaultAuthPath  = "/root/.codex/auth.json"
	defaultStatePath = "/var/lib/fleetauth/state.json"
	defaultInterval  = 5 * time.Minute
	minInterval      = 15 * time.Second
)

// Config is the on-disk agent configuration.
type Config struct {
	API               string        `yaml:"api"`
	APIKey            string        `yaml:"api_key"`
	AuthPath          string        `yaml:"auth_path"`
	StatePath         string        `yaml:"state_path"`
	Interval          time.Duration `yaml:"interval"`
	ClientVersion     string        `yaml:"client_version"`
	WrapperVersion    string        `yaml:"wrapper_version"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
}

// LoadConfig reads path and applies defaults. FLEETAUTH_API_KEY overrides the
// key on disk and FLEETAUTH_ALLOW_INSECURE_HTTP permits plain http.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if key := strings.TrimSpace(os.Getenv("FLEETAUTH_API_KEY")); key != "" {
		cfg.APIKey = key
	}
	if envTrue("FLEETAUTH_ALLOW_INSECURE_HTTP") {
		cfg.AllowInsecureHTTP = true
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.AuthPath) == "" {
		c.AuthPath = defaultAuthPath
	}
	if strings.TrimSpace(c.StatePath) == "" {
		c.StatePath = defaultStatePath
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API) == "" {
		return errors.New("config missing api field")
	}
	if err := ensureHTTPS(c.API, c.AllowInsecureHTTP); err != nil {
		return err
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("config missing api_key field")
	}
	return nil
}

// WriteConfig stores cfg at path with owner-only permissions, since it
// carries the host's API key.
func WriteConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

func envTrue(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}
	if parsed.Scheme == "https" || allowInsecure {
		return nil
	}
	if parsed.Scheme == "" {
		return errors.New("api url must include https scheme")
	}
	return fmt.Errorf("api url must use https: %s", raw)
}

// writeFileAtomic replaces path through a temp file in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
