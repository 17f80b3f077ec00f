package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 redis 驱动的连接参数。Prefix 与 Scope 共同隔离不同站点。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Scope    string
}

// NewRedisStorage 连接 redis 并校验可用性。
//
// 键布局：
//
//	<prefix>:<scope>:stores        ZSET，成员为缓存仓名称，分值为创建时间
//	<prefix>:<scope>:store:<name>  HASH，field 为 "METHOD uri"，值为 JSON 记录（含正文）
func NewRedisStorage(ctx context.Context, opts RedisOptions) (Storage, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return newRedisStorage(client, opts), nil
}

func newRedisStorage(client redis.UniversalClient, opts RedisOptions) *redisStorage {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "shellcache"
	}
	return &redisStorage{
		client: client,
		base:   prefix + ":" + opts.Scope,
		now:    time.Now,
	}
}

type redisStorage struct {
	client redis.UniversalClient
	base   string
	now    func() time.Time
}

type redisCache struct {
	storage *redisStorage
	name    string
}

func (s *redisStorage) storesKey() string {
	return s.base + ":stores"
}

func (s *redisStorage) storeKey(name string) string {
	return s.base + ":store:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	err := s.client.ZAddNX(ctx, s.storesKey(), redis.Z{
		Score:  float64(s.now().Unix()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &redisCache{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.storesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.storesKey(), name)
		pipe.Del(ctx, s.storeKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.storesKey(), 0, -1).Result()
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

func (c *redisCache) Name() string {
	return c.name
}

func (c *redisCache) Match(ctx context.Context, key Key) (*Response, error) {
	raw, err := c.storage.client.HGet(ctx, c.storage.storeKey(c.name), key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return rec.response(nil), nil
}

func (c *redisCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 通过 MULTI/EXEC 一次性提交，并在仓被删除后重新登记。
func (c *redisCache) PutAll(ctx context.Context, entries []Entry) error {
	now := c.storage.now()
	values := make([]interface{}, 0, len(entries)*2)
	for _, entry := range entries {
		stored := prepareForStore(entry.Response, now)
		payload, err := encodeRecord(newRecord(entry.Key, stored, true))
		if err != nil {
			return err
		}
		values = append(values, entry.Key.String(), payload)
	}

	_, err := c.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, c.storage.storesKey(), redis.Z{Score: float64(now.Unix()), Member: c.name})
		if len(values) > 0 {
			pipe.HSet(ctx, c.storage.storeKey(c.name), values...)
		}
		return nil
	})
	return err
}

func (c *redisCache) Keys(ctx context.Context) ([]Key, error) {
	fields, err := c.storage.client.HKeys(ctx, c.storage.storeKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		if key, ok := parseKeyString(field); ok {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}
