package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// SourceHeader 标识响应来源：network/cache/fallback/passthrough。
const SourceHeader = "X-Shellcache-Source"

var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// Handler 把 Fiber 请求转换为上游 http.Request 交给站点 worker，再把结果写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler that logs through logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 执行 worker 拦截并输出结构化日志，离线且无缓存时返回 504。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildUpstreamRequest(ctx, c, route)
	if err != nil {
		h.logResult(route, requestID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := route.Worker.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, worker.ErrOffline) {
			h.logResult(route, requestID, "miss", fiber.StatusGatewayTimeout, started, err)
			return h.writeError(c, fiber.StatusGatewayTimeout, "offline_cache_miss")
		}
		h.logResult(route, requestID, string(worker.SourcePassthrough), 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer result.Close()

	err = h.writeResult(c, result, requestID)
	h.logResult(route, requestID, string(result.Source), result.Status(), started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeResult(c fiber.Ctx, result *worker.Result, requestID string) error {
	var header http.Header
	switch {
	case result.Response != nil:
		header = result.Response.Header
	case result.Stream != nil:
		header = result.Stream.Header
	}
	copyResponseHeaders(c, header)
	c.Set(SourceHeader, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(result.Status())

	if c.Method() == http.MethodHead {
		return nil
	}
	if result.Response != nil {
		return c.Send(result.Response.Body)
	}
	_, err := io.Copy(c.Response().BodyWriter(), result.Stream.Body)
	return err
}

// buildUpstreamRequest 以上游地址 + 原始 path/query 构造请求，转发客户端头部并剔除 hop-by-hop 字段。
func buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute) (*http.Request, error) {
	upstream := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 缓存需要未压缩的正文，由 Go transport 自行协商 gzip
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Content-Length")
	if req.Method == http.MethodGet {
		// GET 的结果会写入缓存，需要完整响应而不是 304
		for _, name := range conditionalHeaders {
			req.Header.Del(name)
		}
	}
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	relative := &url.URL{Path: cache.CleanPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	requestID string,
	source string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, route.Generation(), source)
	fields["action"] = "proxy"
	fields["upstream"] = route.UpstreamURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
