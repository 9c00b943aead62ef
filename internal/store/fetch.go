package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

var ErrFetchFailed = errors.New("fetch_failed")

// Doer performs an outbound HTTP request. The proxy gateway satisfies this in
// production; tests substitute stubs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxFetchBytes caps a single remote download (generated media, not
// arbitrary archives).
const maxFetchBytes = 512 << 20

// Fetcher wraps a Store with remote acquisition. Lookup order is fixed:
// local cache hit, proxy-mediated download, then direct download. Each stage
// runs only when the previous one is unavailable or failed, and the first
// success wins.
type Fetcher struct {
	store   *Store
	gateway Doer
	direct  *http.Client
}

func NewFetcher(s *Store, gateway Doer) *Fetcher {
	return &Fetcher{
		store:   s,
		gateway: gateway,
		direct:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Fetch returns the cache entry for sourceURL, downloading and caching it on
// a miss. When redownload is false an existing entry short-circuits before
// any network use.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, destDir string, redownload bool) (Entry, error) {
	if !redownload {
		if entry, ok := f.store.Lookup(sourceURL); ok {
			if _, err := os.Stat(entry.LocalPath); err == nil {
				return entry, nil
			}
		}
	}

	data, err := f.download(ctx, sourceURL)
	if err != nil {
		return Entry{}, err
	}

	entry, _, err := f.store.put(data, fileNameFromURL(sourceURL), destDir, sourceURL)
	if errors.Is(err, ErrCacheWriteFailed) {
		// Cache failure must not drop the resource; hand back an unindexed
		// entry carrying the bytes' identity so the caller can still serve it.
		f.store.logger.Warn().Err(err).Str("url", sourceURL).Msg("caching fetched resource failed")
		return Entry{Fingerprint: Fingerprint(data), SourceURL: sourceURL, SizeBytes: int64(len(data)), CreatedAt: time.Now().UTC()}, nil
	}
	return entry, err
}

// Download returns the bytes for sourceURL. A cache hit is served from disk
// with no network use; save handlers use this when the caller names the
// destination file themselves.
func (f *Fetcher) Download(ctx context.Context, sourceURL string) ([]byte, error) {
	if entry, ok := f.store.Lookup(sourceURL); ok {
		if data, err := os.ReadFile(entry.LocalPath); err == nil {
			return data, nil
		}
	}
	return f.download(ctx, sourceURL)
}

func (f *Fetcher) download(ctx context.Context, sourceURL string) ([]byte, error) {
	var lastErr error
	if f.gateway != nil {
		data, err := f.fetchOnce(ctx, f.gateway, sourceURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	data, err := f.fetchOnce(ctx, f.direct, sourceURL)
	if err == nil {
		return data, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: proxy: %v; direct: %v", ErrFetchFailed, lastErr, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
}

func (f *Fetcher) fetchOnce(ctx context.Context, client Doer, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, sourceURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", sourceURL, maxFetchBytes)
	}
	return data, nil
}

func fileNameFromURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if strings.ContainsAny(name, "?#") {
		name = strings.FieldsFunc(name, func(r rune) bool { return r == '?' || r == '#' })[0]
	}
	return name
}
