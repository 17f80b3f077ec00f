package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
)

const testOrigin = "http://origin.test"

var errNetworkDown = errors.New("dial tcp: network is unreachable")

type fakeRoute struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork 按路径返回预设响应，可切换为离线模式。
type fakeNetwork struct {
	mu       sync.Mutex
	routes   map[string]fakeRoute
	offline  bool
	failures int
	requests []string
}

func newFakeNetwork(routes map[string]string) *fakeNetwork {
	n := &fakeNetwork{routes: make(map[string]fakeRoute)}
	for path, body := range routes {
		n.routes[path] = fakeRoute{status: http.StatusOK, body: body}
	}
	return n
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req.Method+" "+req.URL.RequestURI())
	if n.offline {
		return nil, errNetworkDown
	}
	if n.failures > 0 {
		n.failures--
		return nil, errNetworkDown
	}
	route, ok := n.routes[req.URL.RequestURI()]
	if !ok {
		route, ok = n.routes[req.URL.Path]
	}
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}
	header := route.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if etag := header.Get("ETag"); etag != "" && req.Header.Get("If-None-Match") == etag {
		return &http.Response{
			StatusCode: http.StatusNotModified,
			Header:     header,
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/plain")
	}
	return &http.Response{
		StatusCode: route.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) set(path string, route fakeRoute) {
	n.mu.Lock()
	n.routes[path] = route
	n.mu.Unlock()
}

func (n *fakeNetwork) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

// countingStorage 统计缓存仓的读写次数，用于验证透传请求不触碰缓存。
type countingStorage struct {
	cache.Storage
	reads  atomic.Int32
	writes atomic.Int32
	// failDelete 中的名称删除时返回错误。
	failDelete map[string]bool
}

type countingCache struct {
	cache.Cache
	parent *countingStorage
}

func (s *countingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	inner, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCache{Cache: inner, parent: s}, nil
}

func (s *countingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, errors.New("delete refused")
	}
	return s.Storage.Delete(ctx, name)
}

func (c *countingCache) Match(ctx context.Context, key cache.Key) (*cache.Response, error) {
	c.parent.reads.Add(1)
	return c.Cache.Match(ctx, key)
}

func (c *countingCache) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	c.parent.writes.Add(1)
	return c.Cache.Put(ctx, key, resp)
}

func (c *countingCache) PutAll(ctx context.Context, entries []cache.Entry) error {
	c.parent.writes.Add(1)
	return c.Cache.PutAll(ctx, entries)
}

type fixture struct {
	worker  *Worker
	network *fakeNetwork
	storage *countingStorage
}

func newFixture(t *testing.T, manifest []string, routes map[string]string, mutate ...func(*Options)) *fixture {
	t.Helper()
	upstream, _ := url.Parse(testOrigin)
	network := newFakeNetwork(routes)
	storage := &countingStorage{Storage: cache.NewMemoryStorage(), failDelete: map[string]bool{}}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts := Options{
		Site:       "eticad",
		Generation: "eticad-cache-v1",
		Manifest:   manifest,
		Upstream:   upstream,
		Network:    network,
		Storage:    storage,
		Logger:     logger,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &fixture{worker: w, network: network, storage: storage}
}

// activate 完成 install + activate，失败即终止测试。
func (f *fixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.worker.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.worker.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func (f *fixture) match(t *testing.T, name, path string) (*cache.Response, error) {
	t.Helper()
	store, err := f.storage.Storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return store.Match(context.Background(), cache.NewKey(http.MethodGet, path))
}

func newRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, testOrigin+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func bodyOf(t *testing.T, result *Result) string {
	t.Helper()
	if result.Response != nil {
		return string(result.Response.Body)
	}
	defer result.Close()
	data, err := io.ReadAll(result.Stream.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return string(data)
}
