package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appLog "eventmap/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxBodyBytes        = 20 << 20
)

// Source represents a single calendar feed.
type Source struct {
	// ID is the config feed ID; it is carried onto every event.
	ID   string
	Name string
	// URL is the feed endpoint. webcal:// is fetched over https.
	URL string
}

// FetchResult is the outcome of fetching one source. Exactly one of Body
// and Err is meaningful.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // true if the body came from the disk cache after a 304
	Status    int
	Err       error
}

// OK reports whether the fetch produced a usable body.
func (r FetchResult) OK() bool {
	return r.Err == nil && len(r.Body) > 0
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches calendar feeds in parallel. It keeps conditional-GET
// metadata (ETag / Last-Modified) on disk so unchanged feeds cost a 304.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	timeout  time.Duration
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithTimeout bounds each individual fetch.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFetcher creates a new Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories are
// stored. An empty cacheDir disables conditional requests entirely.
func NewFetcher(cacheDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{},
		cacheDir: cacheDir,
		timeout:  defaultFetchTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchAll fetches every source concurrently and returns one result per
// source, in the same order as sources. A failing source never affects the
// others; its result simply carries Err.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) []FetchResult {
	results := make([]FetchResult, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			res := f.FetchOne(ctx, src)
			if res.Err != nil {
				appLog.Error("feed fetch failed", res.Err, "id", src.ID, "url", redactURL(src.URL))
			}
			results[i] = res
		}(i, src)
	}
	wg.Wait()

	return results
}

// FetchOne fetches a single source, honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) FetchResult {
	res := FetchResult{Source: src}
	if src.URL == "" {
		res.Err = errors.New("source URL is empty")
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := httpURL(src.URL)

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(target)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("feed cache dir unavailable", err, "id", src.ID)
			cachePath = ""
		} else {
			meta, _ = loadCacheMeta(cachePath)
			cachedBody, _ = loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Err = fmt.Errorf("building request: %w", err)
		return res
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	// Only send validators if we still have the body they refer to.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("feed fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("fetching %s: %w", src.ID, err)
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			res.Err = errors.New("received 304 Not Modified but no cached body available")
			return res
		}
		appLog.Debug("feed not modified; using cache", "id", src.ID)
		res.Body = cachedBody
		res.FromCache = true
		return res

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			res.Err = fmt.Errorf("reading %s: %w", src.ID, err)
			return res
		}
		if len(body) == 0 {
			res.Err = fmt.Errorf("feed %s returned an empty body", src.ID)
			return res
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          target,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("feed cache save failed", err, "id", src.ID)
			}
		}

		appLog.Info("feed fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
		res.Body = body
		return res

	default:
		res.Err = fmt.Errorf("feed %s: unexpected status %s", src.ID, resp.Status)
		return res
	}
}

// httpURL rewrites webcal:// subscription links to https://.
func httpURL(u string) string {
	if strings.HasPrefix(strings.ToLower(u), "webcal://") {
		return "https://" + u[len("webcal://"):]
	}
	return u
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a feed URL for logging purposes,
// since private calendar links embed their secret there.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
