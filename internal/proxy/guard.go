package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/server"
)

// Guard 包装实际的 ProxyHandler：站点缺少 worker 时返回 503，handler panic 时返回 500。
type Guard struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewGuard 创建 Guard，handler 为空时所有请求都视为 worker 不可用。
func NewGuard(handler server.ProxyHandler, logger *logrus.Logger) *Guard {
	return &Guard{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (g *Guard) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	if g.handler == nil || route == nil || route.Worker == nil {
		return g.respondUnavailable(c, route, requestID)
	}
	return g.invokeHandler(c, route, requestID)
}

func (g *Guard) respondUnavailable(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	g.logError(route, "worker_unavailable", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "worker_unavailable"})
}

func (g *Guard) invokeHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = g.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return g.handler.Handle(c, route)
}

func (g *Guard) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	g.logError(route, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (g *Guard) logError(route *server.SiteRoute, code string, err error, requestID string) {
	if g.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		g.logger.WithFields(fields).Error(err.Error())
		return
	}
	g.logger.WithFields(fields).Error("worker unavailable")
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "")
	} else {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, route.Generation(), "")
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
