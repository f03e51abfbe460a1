package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// installResponse mirrors the body of GET /v1/install/{token}.
type installResponse struct {
	HostID  string `json:"host_id"`
	FQDN    string `json:"fqdn"`
	Secure  bool   `json:"secure"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// Bootstrap redeems a one-time install URL and returns a config pointing at
// the coordinator with the host's key filled in. base carries the local
// paths and versions to keep.
func Bootstrap(ctx context.Context, client *http.Client, installURL string, base Config) (Config, error) {
	if err := ensureHTTPS(installURL, base.AllowInsecureHTTP); err != nil {
		return Config{}, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, installURL, nil)
	if err != nil {
		return Config{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("fetch install config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Config{}, fmt.Errorf("install unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var inst installResponse
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return Config{}, fmt.Errorf("decode install config: %w", err)
	}
	if inst.APIKey == "" || inst.BaseURL == "" {
		return Config{}, errors.New("install config is missing api_key or base_url")
	}

	cfg := base
	cfg.API = inst.BaseURL
	cfg.APIKey = inst.APIKey
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}
