package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
)

// RetryPolicy 控制安装失败后的重试次数与初始退避。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Start 依次执行 install（按 RetryPolicy 指数退避重试）与 activate。
// 同一 worker 同时只允许一个生命周期流程，重复调用返回 ErrLifecycleRunning。
func (w *Worker) Start(ctx context.Context, policy RetryPolicy) error {
	if !w.lifecycle.TryLock() {
		return ErrLifecycleRunning
	}
	defer w.lifecycle.Unlock()

	w.resume(ctx)

	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	maxTries := uint(1)
	if policy.MaxRetries > 0 {
		maxTries += uint(policy.MaxRetries)
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, w.Install(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.lifecycleLog("install").WithFields(logrus.Fields{
				"attempt":  attempt,
				"retry_in": next.String(),
			}).WithError(err).Warn("install_retry")
		}),
	)
	if err != nil {
		return fmt.Errorf("install %s after %d attempt(s): %w", w.generation, attempt, err)
	}

	return w.Activate(ctx)
}

// resume 接管上一次进程留下的当前代号缓存仓，清单条目齐全即视为此前已激活。
func (w *Worker) resume(ctx context.Context) {
	if w.Controlling() {
		return
	}
	ok, err := w.storage.Has(ctx, w.generation)
	if err != nil || !ok {
		return
	}
	store, err := w.currentStore(ctx)
	if err != nil {
		return
	}
	keys, err := store.Keys(ctx)
	if err != nil || len(keys) == 0 {
		return
	}

	present := make(map[cache.Key]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
	}
	for _, asset := range w.manifest {
		if _, ok := present[cache.NewKey(http.MethodGet, asset)]; !ok {
			return
		}
	}

	w.controlling.Store(true)
	w.setState(StateActivated, nil)
	w.lifecycleLog("resume").WithField("entries", len(keys)).Info("resume_controlled")
}
