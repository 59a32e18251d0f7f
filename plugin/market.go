package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// MarketPlugin is one entry of the remote plugin market as shown to the
// console: the manifest plus install metadata.
type MarketPlugin struct {
	Manifest    Manifest `json:"manifest"`
	DownloadURL string   `json:"download_url,omitempty"`
	Downloads   int      `json:"downloads,omitempty"`
	Installed   bool     `json:"installed"`
}

// Market discovers and downloads plugin bundles from a remote HTTP
// registry. The market is an opaque artifact source; nothing it serves is
// trusted until the manifest validates and the entry point passes the
// sandbox checks.
type Market struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	cache     []MarketPlugin
	cacheTTL  time.Duration
	lastFetch time.Time
}

// MarketOption configures a Market.
type MarketOption func(*Market)

// WithHTTPClient sets the HTTP client used for market requests.
func WithHTTPClient(client *http.Client) MarketOption {
	return func(m *Market) { m.httpClient = client }
}

// WithCacheTTL sets how long a fetched catalog stays valid.
func WithCacheTTL(ttl time.Duration) MarketOption {
	return func(m *Market) { m.cacheTTL = ttl }
}

// NewMarket creates a market client for the given base URL.
func NewMarket(baseURL string, opts ...MarketOption) *Market {
	m := &Market{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cacheTTL:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScanAvailable returns the market catalog, served from cache while fresh.
func (m *Market) ScanAvailable(ctx context.Context) ([]MarketPlugin, error) {
	m.mu.RLock()
	if m.cache != nil && time.Since(m.lastFetch) < m.cacheTTL {
		cached := make([]MarketPlugin, len(m.cache))
		copy(cached, m.cache)
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	u := m.baseURL + "/api/v1/plugins"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create market request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query plugin market: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("plugin market returned %d: %s", resp.StatusCode, string(body))
	}

	var catalog []MarketPlugin
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode market catalog: %w", err)
	}

	m.mu.Lock()
	m.cache = catalog
	m.lastFetch = time.Now()
	m.mu.Unlock()

	out := make([]MarketPlugin, len(catalog))
	copy(out, catalog)
	return out, nil
}

// Download fetches a plugin bundle archive (tar.gz). The caller closes the
// returned reader.
func (m *Market) Download(ctx context.Context, id, version string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/api/v1/plugins/%s/%s/download",
		m.baseURL, url.PathEscape(id), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s@%s: %w", id, version, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("download %s@%s returned %d: %s", id, version, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// Invalidate drops the cached catalog so the next scan refetches.
func (m *Market) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
	m.lastFetch = time.Time{}
}
