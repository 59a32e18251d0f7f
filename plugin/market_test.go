package plugin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func marketServer(t *testing.T, catalog []MarketPlugin, archive []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/plugins":
			if hits != nil {
				hits.Add(1)
			}
			_ = json.NewEncoder(w).Encode(catalog)
		case strings.HasSuffix(r.URL.Path, "/download"):
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMarketScanAvailable(t *testing.T) {
	t.Parallel()
	catalog := []MarketPlugin{
		{Manifest: testManifest("backup-agent"), DownloadURL: "/d", Downloads: 42},
	}
	var hits atomic.Int32
	srv := marketServer(t, catalog, nil, &hits)

	m := NewMarket(srv.URL)
	got, err := m.ScanAvailable(context.Background())
	if err != nil {
		t.Fatalf("ScanAvailable: %v", err)
	}
	if len(got) != 1 || got[0].Manifest.ID != "backup-agent" || got[0].Downloads != 42 {
		t.Fatalf("catalog = %+v", got)
	}
}

func TestMarketCaching(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := marketServer(t, []MarketPlugin{{Manifest: testManifest("cached")}}, nil, &hits)

	m := NewMarket(srv.URL, WithCacheTTL(time.Hour))
	for i := 0; i < 3; i++ {
		if _, err := m.ScanAvailable(context.Background()); err != nil {
			t.Fatalf("ScanAvailable #%d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times with warm cache, want 1", hits.Load())
	}

	m.Invalidate()
	if _, err := m.ScanAvailable(context.Background()); err != nil {
		t.Fatalf("ScanAvailable after Invalidate: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hit %d times after Invalidate, want 2", hits.Load())
	}
}

func TestMarketServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	m := NewMarket(srv.URL)
	if _, err := m.ScanAvailable(context.Background()); err == nil {
		t.Fatal("ScanAvailable succeeded against a 503 server")
	}
}

func TestMarketDownload(t *testing.T) {
	t.Parallel()
	srv := marketServer(t, nil, []byte("bundle-bytes"), nil)

	m := NewMarket(srv.URL)
	rc, err := m.Download(context.Background(), "backup-agent", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "bundle-bytes" {
		t.Fatalf("payload = %q", data)
	}
}
