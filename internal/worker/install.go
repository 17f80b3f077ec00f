package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
)

// Install 打开当前代号的缓存仓并预缓存整个清单。
// 任一资源获取失败（传输错误或非 2xx）时整体失败、不写入任何条目，worker 进入 redundant。
func (w *Worker) Install(ctx context.Context) error {
	started := time.Now()
	w.setState(StateInstalling, nil)

	err := w.install(ctx)
	fields := w.lifecycleLog("install").WithFields(logrus.Fields{
		"assets":     len(w.manifest),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		w.setState(StateRedundant, err)
		w.metrics.ObserveInstall(w.site, "failure")
		fields.WithError(err).Warn("install_failed")
		return err
	}

	w.setState(StateInstalled, nil)
	w.metrics.ObserveInstall(w.site, "success")
	fields.Info("install_complete")
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	store, err := w.currentStore(ctx)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.generation, err)
	}

	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	for i, asset := range w.manifest {
		g.Go(func() error {
			entry, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := store.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("store manifest in %s: %w", w.generation, err)
	}
	return nil
}

// fetchAsset 以 GET 获取单个清单条目，要求 2xx 状态码。
func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	target, err := w.resolveAsset(asset)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("resolve asset %s: %w", asset, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("build request %s: %w", asset, err)
	}

	resp, err := w.network.Do(req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("fetch %s: unexpected status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read %s: %w", asset, err)
	}

	return cache.Entry{
		Key: cache.NewKey(http.MethodGet, asset),
		Response: &cache.Response{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		},
	}, nil
}

// resolveAsset 将站内路径解析为上游绝对地址。
func (w *Worker) resolveAsset(asset string) (*url.URL, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, err
	}
	return w.upstream.ResolveReference(ref), nil
}
