package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Storage 对应一个站点（origin）下的全部缓存仓，按名称管理。
type Storage interface {
	// Open 打开指定名称的缓存仓，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存仓是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存仓；不存在时返回 false 且不报错。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前存在的缓存仓名称。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件锁、数据库连接等）。
	Close() error
}

// Cache 是单个命名缓存仓，键为请求（方法 + URI），值为完整响应。
type Cache interface {
	Name() string

	// Match 按请求键精确查找，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 以覆盖语义写入单个条目。
	Put(ctx context.Context, key Key, resp *Response) error

	// PutAll 批量写入，任一条目失败时不应留下本批次的部分结果。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 列出缓存仓内所有请求键，主要供诊断接口使用。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位缓存仓中的一个条目。URL 为站内请求 URI（path + query）。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化方法与 URI：方法转为大写，丢弃 scheme/host 与片段，空路径视为 "/"。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: normalizeURL(rawURL)}
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		return raw
	}
	uri := CleanPath(parsed.EscapedPath())
	if parsed.RawQuery != "" {
		uri += "?" + parsed.RawQuery
	}
	return uri
}

// CleanPath 折叠 "."、".." 与重复斜杠并补齐前导斜杠，保留末尾斜杠；空路径视为 "/"。
// 代理转发与缓存键共用同一规则，保证同一资源只对应一个条目。
func CleanPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
}

// String 返回 "METHOD uri" 形式，用作各驱动的内部键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// parseKeyString 为 String 的逆操作。
func parseKeyString(raw string) (Key, bool) {
	method, uri, ok := strings.Cut(raw, " ")
	if !ok || method == "" || uri == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: uri}, true
}

// Response 是缓存中保存的完整响应。写入后视为不可变，更新需整体覆盖。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 深拷贝响应，用于"先复制再分流"：一份返回调用方，一份写入缓存。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	return cloned
}

// Entry 组合请求键与响应，用于批量写入。
type Entry struct {
	Key      Key
	Response *Response
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存仓名称不合法。
	ErrInvalidName = errors.New("invalid cache name")
	// ErrStorageLocked 表示存储目录已被其他进程占用。
	ErrStorageLocked = errors.New("cache storage locked by another process")
	// ErrClosed 表示存储已关闭。
	ErrClosed = errors.New("cache storage closed")
)

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "\r\n") {
		return ErrInvalidName
	}
	return nil
}

// prepareForStore 复制响应并补齐写入时间，避免与调用方共享底层切片。
func prepareForStore(resp *Response, now time.Time) *Response {
	stored := resp.Clone()
	if stored == nil {
		stored = &Response{Status: http.StatusOK, Header: http.Header{}}
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = now.UTC()
	}
	return stored
}
