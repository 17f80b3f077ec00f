package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
)

// Source 标识响应来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// Result 为一次拦截的结果：Response 为完整缓冲的响应，Stream 为未缓冲的上游响应，二者只有一个非空。
type Result struct {
	Source   Source
	Response *cache.Response
	Stream   *http.Response
}

// Close 释放未消费的上游响应体。
func (r *Result) Close() error {
	if r == nil || r.Stream == nil || r.Stream.Body == nil {
		return nil
	}
	return r.Stream.Body.Close()
}

// Status 返回结果的 HTTP 状态码。
func (r *Result) Status() int {
	switch {
	case r == nil:
		return 0
	case r.Response != nil:
		return r.Response.Status
	case r.Stream != nil:
		return r.Stream.StatusCode
	}
	return 0
}

// Fetch 拦截单个请求。req.URL 必须是上游绝对地址，缓存键取其 path + query。
//
// 非 GET 或尚未激活时直接透传；GET 先走网络，成功则复制一份写入当前缓存仓再返回原响应；
// 网络失败时依次尝试精确条目与兜底文档，都未命中返回 ErrOffline。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	started := time.Now()
	result, err := w.fetch(ctx, req)
	if err == nil {
		w.metrics.ObserveFetch(w.site, string(result.Source), time.Since(started))
	} else if errors.Is(err, ErrOffline) {
		w.metrics.ObserveFetch(w.site, "miss", time.Since(started))
	}
	return result, err
}

func (w *Worker) fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if req.Method != http.MethodGet || !w.Controlling() {
		resp, err := w.network.Do(req)
		if err != nil {
			return nil, err
		}
		return &Result{Source: SourcePassthrough, Stream: resp}, nil
	}

	key := cache.NewKey(http.MethodGet, req.URL.RequestURI())
	resp, err := w.network.Do(req)
	if err == nil {
		result, readErr := w.writeThrough(ctx, key, resp)
		if readErr == nil {
			return result, nil
		}
		err = readErr
	}
	return w.recoverFromCache(ctx, key, req, err)
}

// writeThrough 读取一次响应体并复制：副本写缓存，原件返回。超过 MaxCacheableSize 的响应直接流式返回。
func (w *Worker) writeThrough(ctx context.Context, key cache.Key, resp *http.Response) (*Result, error) {
	limit := w.maxCacheableSize
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if int64(len(body)) > limit {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		w.metrics.ObserveCacheWrite(w.site, "skipped")
		return &Result{Source: SourceNetwork, Stream: resp}, nil
	}
	resp.Body.Close()

	original := &cache.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if original.Header == nil {
		original.Header = http.Header{}
	}

	if !storable(original) {
		w.metrics.ObserveCacheWrite(w.site, "skipped")
		return &Result{Source: SourceNetwork, Response: original}, nil
	}

	copied := original.Clone()
	w.put(context.WithoutCancel(ctx), key, copied)
	return &Result{Source: SourceNetwork, Response: original}, nil
}

func (w *Worker) put(ctx context.Context, key cache.Key, resp *cache.Response) {
	store, err := w.currentStore(ctx)
	if err == nil {
		err = store.Put(ctx, key, resp)
	}
	if err != nil {
		w.metrics.ObserveCacheWrite(w.site, "failed")
		w.logger.WithFields(w.fetchFields(key)).WithError(err).Warn("cache_put_failed")
		return
	}
	w.metrics.ObserveCacheWrite(w.site, "stored")
}

func (w *Worker) recoverFromCache(ctx context.Context, key cache.Key, req *http.Request, netErr error) (*Result, error) {
	store, err := w.currentStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: open cache: %v", ErrOffline, key.URL, err)
	}

	if cached, ok := w.match(ctx, store, key); ok {
		return &Result{Source: SourceCache, Response: cached}, nil
	}

	if !w.fallbackNavigationOnly || isNavigation(req) {
		fallbackKey := cache.NewKey(http.MethodGet, w.fallbackPath)
		if cached, ok := w.match(ctx, store, fallbackKey); ok {
			return &Result{Source: SourceFallback, Response: cached}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrOffline, key.URL, netErr)
}

func (w *Worker) match(ctx context.Context, store cache.Cache, key cache.Key) (*cache.Response, bool) {
	cached, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(w.fetchFields(key)).WithError(err).Warn("cache_match_failed")
		}
		return nil, false
	}
	return cached, true
}

func (w *Worker) fetchFields(key cache.Key) logrus.Fields {
	fields := logging.LifecycleFields("fetch", w.site, w.generation)
	fields["key"] = key.String()
	return fields
}

// storable 对应 Cache API 的 put 限制：206 与 Vary: * 的响应不可存储。
// 304 只对发起条件请求的客户端有意义，存下会覆盖已有的完整响应。
func storable(resp *cache.Response) bool {
	switch resp.Status {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	for _, value := range resp.Header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "*" {
				return false
			}
		}
	}
	return true
}

// isNavigation 判断请求是否为页面导航。
func isNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
