package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存存储，重启即丢失，适合测试或临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{
		stores: make(map[string]*memoryCache),
		now:    time.Now,
	}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryCache
	closed bool
	now    func() time.Time
}

type memoryCache struct {
	storage *memoryStorage
	name    string

	mu      sync.RWMutex
	entries map[string]*Response
	order   []Key
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	store, ok := s.stores[name]
	if !ok {
		store = &memoryCache{storage: s, name: name, entries: make(map[string]*Response)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// attach 在缓存仓被删除后再次写入时重新挂回存储，与磁盘驱动的隐式重建行为一致。
func (s *memoryStorage) attach(c *memoryCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[c.name]; !ok {
		s.stores[c.name] = c
	}
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *memoryCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.storage.now()
	prepared := make([]*Response, len(entries))
	for i, entry := range entries {
		prepared[i] = prepareForStore(entry.Response, now)
	}

	c.mu.Lock()
	for i, entry := range entries {
		id := entry.Key.String()
		if _, exists := c.entries[id]; !exists {
			c.order = append(c.order, entry.Key)
		}
		c.entries[id] = prepared[i]
	}
	c.mu.Unlock()

	c.storage.attach(c)
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := append([]Key(nil), c.order...)
	sortKeys(keys)
	return keys, nil
}
