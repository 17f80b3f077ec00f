package worker

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Activate 删除所有非当前代号的缓存仓，随后开始接管请求。
// 删除并行执行并全部等待，单个失败只记录日志，不影响其他删除。
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return ErrNotInstalled
	}
	w.setState(StateActivating, nil)
	log := w.lifecycleLog("activate")

	names, err := w.storage.Keys(ctx)
	if err != nil {
		log.WithError(err).Warn("cache_keys_failed")
	}

	var (
		g       errgroup.Group
		deleted atomic.Int32
	)
	g.SetLimit(w.purgeConcurrency)
	for _, name := range names {
		if name == w.generation {
			continue
		}
		g.Go(func() error {
			ok, err := w.storage.Delete(ctx, name)
			if err != nil {
				log.WithError(err).WithField("cache", name).Warn("cache_purge_failed")
				return nil
			}
			if ok {
				deleted.Add(1)
				log.WithField("cache", name).Info("cache_purged")
			}
			return nil
		})
	}
	_ = g.Wait()

	w.metrics.ObservePurge(w.site, int(deleted.Load()))
	w.controlling.Store(true)
	w.setState(StateActivated, nil)
	log.WithField("purged", deleted.Load()).Info("activate_complete")
	return nil
}
