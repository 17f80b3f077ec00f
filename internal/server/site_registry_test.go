package server

import (
	"errors"
	"testing"
	"time"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/worker"
)

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:     5000,
			MaxRetries:     2,
			InitialBackoff: config.Duration(2 * time.Second),
		},
		Sites: []config.SiteConfig{
			{
				Name:         "eticad",
				Domain:       "eticad.local",
				Upstream:     "http://127.0.0.1:5001",
				Manifest:     "eticad",
				CacheName:    "eticad-cache-v1",
				FallbackPath: "/",
			},
			{
				Name:         "docs",
				Domain:       "Docs.Local.",
				Upstream:     "http://127.0.0.1:5002",
				Proxy:        "http://proxy.internal:3128",
				Assets:       []string{"/", "/guide"},
				CacheName:    "docs-v3",
				FallbackPath: "/",
			},
		},
	}
}

func TestSiteRegistryLookupByHost(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("eticad.local:5000")
	if !ok {
		t.Fatalf("expected eticad route")
	}
	if route.Config.Name != "eticad" {
		t.Errorf("wrong site returned: %s", route.Config.Name)
	}
	if route.Generation() != "eticad-cache-v1" {
		t.Errorf("unexpected generation %s", route.Generation())
	}
	if len(route.Assets) != 9 || route.Assets[0] != "/" {
		t.Errorf("expected eticad preset assets, got %v", route.Assets)
	}
	if route.UpstreamURL.Host != "127.0.0.1:5001" {
		t.Errorf("unexpected upstream %s", route.UpstreamURL)
	}

	docs, ok := registry.Lookup("DOCS.local")
	if !ok {
		t.Fatalf("expected case-insensitive lookup for docs")
	}
	if docs.ProxyURL == nil || docs.ProxyURL.Host != "proxy.internal:3128" {
		t.Errorf("proxy not parsed: %v", docs.ProxyURL)
	}
	if len(docs.Assets) != 2 {
		t.Errorf("explicit assets should override preset, got %v", docs.Assets)
	}

	if _, ok := registry.Lookup("unknown.local"); ok {
		t.Fatalf("unexpected route for unknown host")
	}
	if got, ok := registry.Get("docs"); !ok || got != docs {
		t.Fatalf("Get should return the same route pointer")
	}

	policy := registry.RetryPolicy()
	if policy.MaxRetries != 2 || policy.InitialBackoff != 2*time.Second {
		t.Fatalf("unexpected retry policy %+v", policy)
	}
}

func TestSiteRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := testConfig()
	cfg.Sites[1].Domain = "eticad.local"
	if _, err := NewSiteRegistry(cfg, nil); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestSiteRegistryPropagatesFactoryError(t *testing.T) {
	boom := errors.New("storage locked")
	_, err := NewSiteRegistry(testConfig(), func(*SiteRoute) (*worker.Worker, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestSiteRegistryListKeepsOrder(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := registry.List()
	if len(list) != 2 || list[0].Config.Name != "eticad" || list[1].Config.Name != "docs" {
		t.Fatalf("unexpected order: %v", list)
	}
}
