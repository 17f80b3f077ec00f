package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/worker"
)

func TestBootstrapStartsWorkers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset "+r.URL.Path)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Global.StorageDriver = config.StorageDriverFS
	cfg.Global.StoragePath = t.TempDir()
	cfg.Sites[0].Upstream = upstream.URL
	cfg.Sites[1].Upstream = upstream.URL
	cfg.Sites[1].Proxy = ""

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt, err := Bootstrap(context.Background(), cfg, logger, metrics.NewRecorder(false))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	rt.StartWorkers(context.Background())
	rt.Wait()

	for _, route := range rt.Registry.List() {
		if route.Worker == nil {
			t.Fatalf("site %s has no worker", route.Config.Name)
		}
		if state := route.Worker.State(); state != worker.StateActivated {
			t.Fatalf("site %s: expected activated, got %s", route.Config.Name, state)
		}
	}
}

func TestBootstrapFailsWhenStorageLocked(t *testing.T) {
	cfg := testConfig()
	cfg.Global.StorageDriver = config.StorageDriverFS
	cfg.Global.StoragePath = t.TempDir()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	first, err := Bootstrap(context.Background(), cfg, logger, nil)
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	defer first.Close()

	if _, err := Bootstrap(context.Background(), cfg, logger, nil); err == nil {
		t.Fatalf("expected second bootstrap to fail on locked storage")
	}
}
