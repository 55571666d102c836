package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	appLog "famcal/internal/log"
)

// maxFeedSize bounds a downloaded feed.
const maxFeedSize = 16 << 20

// FetchResult is the outcome of fetching one feed.
type FetchResult struct {
	Body []byte
	// FromCache is set when the body was served from disk (304 or an
	// upstream failure with a cached copy).
	FromCache bool
}

type feedMeta struct {
	URL          string    `yaml:"url"`
	ETag         string    `yaml:"etag,omitempty"`
	LastModified string    `yaml:"last_modified,omitempty"`
	FetchedAt    time.Time `yaml:"fetched_at"`
}

// Fetcher downloads iCalendar feeds with conditional requests and keeps the
// last good body per URL under cacheDir.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	now      func() time.Time
}

// NewFetcher returns a Fetcher caching under cacheDir. An empty cacheDir
// selects "./var/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
		now:      time.Now,
	}
}

// Fetch downloads rawURL, honoring ETag and Last-Modified from the previous
// successful fetch. Upstream failures fall back to the cached body when
// there is one.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, errors.New("fetch: empty url")
	}

	dir := f.cachePath(rawURL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, fmt.Errorf("fetch: cache dir: %w", err)
	}
	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch: %w", err)
	}
	if meta.URL == rawURL {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	safe := redactURL(rawURL)
	appLog.Info("ics: fetch start", "url", safe)

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Error("ics: fetch failed, using cached body", err, "url", safe)
			return FetchResult{Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %w", safe, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
		if err != nil {
			return FetchResult{}, fmt.Errorf("fetch %s: read body: %w", safe, err)
		}
		next := feedMeta{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    f.now().UTC(),
		}
		if err := saveFeed(dir, next, body); err != nil {
			appLog.Error("ics: cache save failed", err, "url", safe)
		}
		appLog.Info("ics: fetch success", "url", safe, "bytes", len(body))
		return FetchResult{Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, fmt.Errorf("fetch %s: 304 without a cached body", safe)
		}
		appLog.Info("ics: feed not modified", "url", safe)
		return FetchResult{Body: cached, FromCache: true}, nil

	default:
		if len(cached) > 0 {
			appLog.Error("ics: unexpected status, using cached body", errors.New(resp.Status), "url", safe)
			return FetchResult{Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %s", safe, resp.Status)
	}
}

func (f *Fetcher) cachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (feedMeta, error) {
	var meta feedMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.yaml"))
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return feedMeta{}, err
	}
	return meta, nil
}

// saveFeed writes the body before the metadata so that metadata never
// describes a body that is not on disk.
func saveFeed(dir string, meta feedMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.yaml"), data, 0o600)
}

// redactURL keeps scheme and host only.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
