package routes

import (
	"context"
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/shellcache/shellcache/internal/manifest"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// NewAdminApp 构造仅承载诊断接口的独立 Fiber 应用，由 main 绑定到回环地址。
func NewAdminApp(registry *server.SiteRegistry, recorder *metrics.Recorder) *fiber.App {
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	RegisterSiteRoutes(app, registry, recorder)
	return app
}

// RegisterSiteRoutes 暴露 /-/sites、/-/manifests 与 /-/metrics 诊断接口，供 SRE 查询 worker 状态。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, recorder *metrics.Recorder) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		routes := registry.List()
		sort.Slice(routes, func(i, j int) bool {
			return routes[i].Config.Name < routes[j].Config.Name
		})
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(c.Context(), route, recorder))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return c.JSON(encodeSite(c.Context(), route, recorder))
	})

	// 重新安装同步执行，返回时生命周期已结束。
	app.Post("/-/sites/:name/reinstall", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		if route.Worker == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}
		err := route.Worker.Start(c.Context(), registry.RetryPolicy())
		switch {
		case errors.Is(err, worker.ErrLifecycleRunning):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "lifecycle_running"})
		case err != nil:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "reinstall_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(encodeSite(c.Context(), route, recorder))
	})

	app.Get("/-/manifests", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"manifests": encodeManifests(manifest.List())})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
}

type sitePayload struct {
	worker.Status
	Domain   string         `json:"domain"`
	Upstream string         `json:"upstream"`
	Caches   []string       `json:"caches"`
	Entries  int            `json:"entries"`
	Latency  *metrics.Stats `json:"latency,omitempty"`
}

type manifestPayload struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Generation  string   `json:"generation"`
	Assets      []string `json:"assets"`
}

func encodeSite(ctx context.Context, route *server.SiteRoute, recorder *metrics.Recorder) sitePayload {
	payload := sitePayload{
		Domain:   route.Config.Domain,
		Upstream: route.Config.Upstream,
	}
	if route.UpstreamURL != nil {
		payload.Upstream = route.UpstreamURL.String()
	}
	if route.Worker == nil {
		payload.Site = route.Config.Name
		payload.Generation = route.Generation()
		payload.Manifest = append([]string(nil), route.Assets...)
		return payload
	}

	payload.Status = route.Worker.Status()
	storage := route.Worker.Storage()
	if names, err := storage.Keys(ctx); err == nil {
		payload.Caches = names
	}
	if ok, err := storage.Has(ctx, route.Worker.Generation()); err == nil && ok {
		if store, err := storage.Open(ctx, route.Worker.Generation()); err == nil {
			if keys, err := store.Keys(ctx); err == nil {
				payload.Entries = len(keys)
			}
		}
	}
	if stats, err := recorder.Latency().Stats(route.Config.Name); err == nil {
		payload.Latency = &stats
	}
	return payload
}

func encodeManifests(presets []manifest.Preset) []manifestPayload {
	if len(presets) == 0 {
		return nil
	}
	result := make([]manifestPayload, 0, len(presets))
	for _, p := range presets {
		result = append(result, manifestPayload{
			Key:         p.Key,
			Description: p.Description,
			Generation:  p.Generation,
			Assets:      append([]string(nil), p.Assets...),
		})
	}
	return result
}
