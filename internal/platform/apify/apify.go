package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sequencer/internal/core/job"
	"sequencer/internal/logger"
	rds "sequencer/internal/platform/redis"
)

const (
	DefaultBaseURL = "https://api.apify.com/v2"
	ProfileActor   = "dev_fusion~linkedin-profile-scraper"
	DefaultTimeout = 180 * time.Second

	runIDHeader = "X-Apify-Run-Id"
)

var (
	ErrNotConfigured = errors.New("APIFY_TOKEN not set on server")
	ErrScrapeFailed  = errors.New("failed to scrape profiles")
)

// Cache stores scraped profiles between requests.
type Cache interface {
	CacheGet(ctx context.Context, key string, dest interface{}) error
	CacheSet(ctx context.Context, key string, val interface{}, ttl time.Duration) error
}

type Config struct {
	Token    string
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client runs the LinkedIn profile actor synchronously and reads its dataset.
type Client struct {
	cfg   Config
	http  *http.Client
	cache Cache
	log   *logger.Logger
}

// Result is one scrape call: the profiles in dataset order and the actor run
// id when the API reported one.
type Result struct {
	Profiles []job.Profile
	RunID    string
}

func New(cfg Config, cache Cache) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		log:   logger.New("Apify"),
	}
}

func (c *Client) Configured() bool { return c != nil && c.cfg.Token != "" }

// ScrapeProfiles returns a record for every URL it could scrape, in the order
// the URLs were given. Cached profiles are served without calling the actor;
// only misses are sent.
func (c *Client) ScrapeProfiles(ctx context.Context, urls []string) (Result, error) {
	if !c.Configured() {
		return Result{}, ErrNotConfigured
	}

	var res Result
	var misses []string
	for _, u := range urls {
		var p job.Profile
		if c.cache != nil {
			if err := c.cache.CacheGet(ctx, cacheKey(u), &p); err == nil {
				res.Profiles = append(res.Profiles, p)
				continue
			} else if !errors.Is(err, rds.ErrCacheMiss) {
				c.log.LogWarnf("profile cache read failed for %s: %v", u, err)
			}
		}
		misses = append(misses, u)
	}
	if len(misses) == 0 {
		c.log.LogDebugf("all %d profiles served from cache", len(urls))
		return res, nil
	}

	scraped, runID, err := c.run(ctx, misses)
	if err != nil {
		return Result{RunID: runID}, err
	}
	res.RunID = runID
	res.Profiles = inRequestOrder(urls, append(res.Profiles, scraped...))
	c.store(ctx, scraped)
	c.log.LogInfof("scraped %d/%d profiles (%d from cache)", len(scraped), len(misses), len(urls)-len(misses))
	return res, nil
}

// inRequestOrder sorts profiles by the position of their URL in urls. Records
// the actor returned under a URL nobody asked for keep their order at the end.
func inRequestOrder(urls []string, profiles []job.Profile) []job.Profile {
	out := make([]job.Profile, 0, len(profiles))
	taken := make(map[string]bool, len(profiles))
	for _, u := range urls {
		p, ok := job.FindProfile(profiles, u)
		if !ok {
			continue
		}
		key := job.NormalizeURL(p.Identifier())
		if taken[key] {
			continue
		}
		taken[key] = true
		out = append(out, p)
	}
	for _, p := range profiles {
		key := job.NormalizeURL(p.Identifier())
		if key != "" && taken[key] {
			continue
		}
		taken[key] = true
		out = append(out, p)
	}
	return out
}

func (c *Client) run(ctx context.Context, urls []string) ([]job.Profile, string, error) {
	body, err := json.Marshal(map[string][]string{"profileUrls": urls})
	if err != nil {
		return nil, "", err
	}
	endpoint := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s",
		c.cfg.BaseURL, ProfileActor, url.QueryEscape(c.cfg.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.LogErrorf("actor call failed: %v", err)
		return nil, "", fmt.Errorf("%w: %v", ErrScrapeFailed, err)
	}
	defer resp.Body.Close()

	runID := resp.Header.Get(runIDHeader)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.LogErrorf("actor returned %d: %s", resp.StatusCode, snippet)
		return nil, runID, fmt.Errorf("%w: status %d", ErrScrapeFailed, resp.StatusCode)
	}

	var profiles []job.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		return nil, runID, fmt.Errorf("%w: decode dataset: %v", ErrScrapeFailed, err)
	}
	return profiles, runID, nil
}

func (c *Client) store(ctx context.Context, profiles []job.Profile) {
	if c.cache == nil {
		return
	}
	for _, p := range profiles {
		id := p.Identifier()
		if id == "" {
			continue
		}
		if err := c.cache.CacheSet(ctx, cacheKey(id), p, c.cfg.CacheTTL); err != nil {
			c.log.LogWarnf("profile cache write failed for %s: %v", id, err)
		}
	}
}

func cacheKey(u string) string { return "profile:" + job.NormalizeURL(u) }
