package proxy

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

const requestIDKey = "_shellcache_request_id"

func TestGuardMissingWorker(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	guard := NewGuard(NewHandler(logger), logger)
	route := testRoute(nil)

	if err := guard.Handle(ctx, route); err != nil {
		t.Fatalf("guard.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 for missing worker, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "worker_unavailable") {
		t.Fatalf("expected error body to mention worker_unavailable, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestGuardHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	panicking := server.ProxyHandlerFunc(func(fiber.Ctx, *server.SiteRoute) error {
		panic("boom")
	})
	guard := NewGuard(panicking, logger)

	if err := guard.Handle(ctx, testRoute(newIdleWorker(t))); err != nil {
		t.Fatalf("guard.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_panic") {
		t.Fatalf("expected error body to mention proxy_handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "boom") {
		t.Fatalf("expected log to include panic value, got %s", logBuf.String())
	}
}

func testRoute(w *worker.Worker) *server.SiteRoute {
	upstream, _ := url.Parse("http://127.0.0.1:5001")
	return &server.SiteRoute{
		Config: config.SiteConfig{
			Name:      "eticad",
			Domain:    "eticad.local",
			CacheName: "eticad-cache-v1",
		},
		ListenPort:  5000,
		UpstreamURL: upstream,
		Worker:      w,
	}
}

type unreachableNetwork struct{}

func (unreachableNetwork) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("unreachable")
}

func newIdleWorker(t *testing.T) *worker.Worker {
	t.Helper()
	upstream, _ := url.Parse("http://127.0.0.1:5001")
	w, err := worker.New(worker.Options{
		Site:       "eticad",
		Generation: "eticad-cache-v1",
		Upstream:   upstream,
		Network:    unreachableNetwork{},
		Storage:    cache.NewMemoryStorage(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}
