package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的存储驱动名称，与配置中的 StorageDriver 对应。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Options 描述如何为某个站点（Scope）构建缓存存储。
type Options struct {
	Driver   string
	BasePath string
	// Scope 通常为站点名称，用于隔离不同 origin 的缓存仓。
	Scope string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open 根据驱动类型创建站点专属的 Storage。
func Open(ctx context.Context, opts Options) (Storage, error) {
	if err := validateName(opts.Scope); err != nil {
		return nil, fmt.Errorf("storage scope: %w", err)
	}
	switch strings.ToLower(opts.Driver) {
	case "", DriverFS:
		return NewFSStorage(filepath.Join(opts.BasePath, opts.Scope))
	case DriverSQLite:
		return NewSQLiteStorage(filepath.Join(opts.BasePath, opts.Scope+".db"))
	case DriverMemory:
		return NewMemoryStorage(), nil
	case DriverRedis:
		return NewRedisStorage(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.RedisPrefix,
			Scope:    opts.Scope,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
