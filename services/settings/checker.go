package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetauth/pkg/telemetry"
)

// Checker polls a release feed for the newest client version.
type Checker struct {
	store  *Store
	url    string
	client *http.Client
	log    zerolog.Logger
	Now    func() time.Time
}

// NewChecker returns a Checker reading feedURL, a GitHub style
// "latest release" document.
func NewChecker(store *Store, feedURL string, client *http.Client, logger zerolog.Logger) *Checker {
	if client == nil {
		client = telemetry.HTTPClient(15 * time.Second)
	}
	return &Checker{
		store:  store,
		url:    strings.TrimSpace(feedURL),
		client: client,
		log:    logger.With().Str("component", "version_checker").Logger(),
		Now:    time.Now,
	}
}

type release struct {
	TagName string `json:"tag_name"`
}

// Check fetches the feed once and records the version it reports.
func (c *Checker) Check(ctx context.Context) (string, error) {
	if c.url == "" {
		return "", errors.New("client version feed url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch release feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release feed returned %s", resp.Status)
	}

	var rel release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rel); err != nil {
		return "", fmt.Errorf("decode release feed: %w", err)
	}
	version := normalizeTag(rel.TagName)
	if version == "" {
		return "", errors.New("release feed has no tag_name")
	}
	if err := c.store.RecordLatestVersion(ctx, version, c.Now().UTC()); err != nil {
		return "", err
	}
	return version, nil
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.checkAndLog(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndLog(ctx)
		}
	}
}

func (c *Checker) checkAndLog(ctx context.Context) {
	version, err := c.Check(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("client version check failed")
		return
	}
	c.log.Info().Str("version", version).Msg("client version checked")
}

// normalizeTag strips release prefixes such as "v1.2.3" or "rust-v1.2.3".
func normalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.LastIndex(tag, "-v"); i >= 0 {
		tag = tag[i+2:]
	}
	return strings.TrimPrefix(tag, "v")
}
