package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/worker"
)

// Runtime 聚合启动阶段创建的站点注册表、指标以及各站点的缓存存储，进程退出前需 Close。
type Runtime struct {
	Registry *SiteRegistry
	Metrics  *metrics.Recorder

	logger   *logrus.Logger
	storages []cache.Storage
	wg       sync.WaitGroup
}

// Bootstrap 按“上游 client → 站点缓存存储 → worker → 注册表”顺序构建运行时。
// 任一站点失败时释放已打开的存储并返回错误。
func Bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger, recorder *metrics.Recorder) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	rt := &Runtime{Metrics: recorder, logger: logger}
	client := NewUpstreamClient(cfg)
	g := cfg.Global

	registry, err := NewSiteRegistry(cfg, func(route *SiteRoute) (*worker.Worker, error) {
		storage, err := cache.Open(ctx, cache.Options{
			Driver:        g.StorageDriver,
			BasePath:      g.StoragePath,
			Scope:         route.Config.Name,
			RedisAddr:     g.RedisAddr,
			RedisPassword: g.RedisPassword,
			RedisDB:       g.RedisDB,
			RedisPrefix:   g.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open cache storage: %w", err)
		}
		rt.storages = append(rt.storages, storage)

		return worker.New(worker.Options{
			Site:                   route.Config.Name,
			Generation:             route.Config.CacheName,
			Manifest:               route.Assets,
			FallbackPath:           route.Config.FallbackPath,
			FallbackNavigationOnly: route.Config.FallbackNavigationOnly,
			Upstream:               route.UpstreamURL,
			Network:                NewSiteClient(client, route.ProxyURL),
			Storage:                storage,
			Logger:                 logger,
			Metrics:                recorder,
			PurgeConcurrency:       g.PurgeConcurrency,
			InstallConcurrency:     g.InstallConcurrency,
			MaxCacheableSize:       g.MaxCacheableSize,
		})
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Registry = registry
	return rt, nil
}

// StartWorkers 为每个站点在后台执行 install + activate，失败只记录日志。
func (rt *Runtime) StartWorkers(ctx context.Context) {
	policy := rt.Registry.RetryPolicy()
	for _, route := range rt.Registry.List() {
		if route.Worker == nil {
			continue
		}
		rt.wg.Add(1)
		go func(route *SiteRoute) {
			defer rt.wg.Done()
			fields := logging.LifecycleFields("lifecycle", route.Config.Name, route.Generation())
			if err := route.Worker.Start(ctx, policy); err != nil {
				rt.logger.WithFields(fields).WithError(err).Error("worker_start_failed")
				return
			}
			rt.logger.WithFields(fields).Info("worker_activated")
		}(route)
	}
}

// Wait 等待 StartWorkers 启动的生命周期流程全部结束。
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

// Close 释放所有站点的缓存存储。
func (rt *Runtime) Close() error {
	var errs []error
	for _, storage := range rt.storages {
		if err := storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.storages = nil
	return errors.Join(errs...)
}
