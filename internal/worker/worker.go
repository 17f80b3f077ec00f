package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/metrics"
)

// Network 为 worker 提供出网能力，*http.Client 天然满足该接口。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// State 描述 worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrOffline 表示网络不可用且缓存中既无精确条目也无回退文档。
	ErrOffline = errors.New("offline and no cached response")
	// ErrNotInstalled 表示尚未成功安装就尝试激活。
	ErrNotInstalled = errors.New("worker not installed")
	// ErrLifecycleRunning 表示已有 install/activate 流程在执行。
	ErrLifecycleRunning = errors.New("worker lifecycle already running")
)

const (
	defaultPurgeConcurrency   = 4
	defaultInstallConcurrency = 4
	defaultMaxCacheableSize   = 32 << 20
)

// Options 是构建 worker 所需的全部配置与注入能力。
type Options struct {
	Site       string
	Generation string
	Manifest   []string
	// FallbackPath 为离线时的兜底文档，默认 "/"。
	FallbackPath string
	// FallbackNavigationOnly 为 true 时只有页面导航请求才回退到兜底文档。
	FallbackNavigationOnly bool
	Upstream               *url.URL

	Network Network
	Storage cache.Storage
	Logger  *logrus.Logger
	Metrics *metrics.Recorder

	PurgeConcurrency   int
	InstallConcurrency int
	MaxCacheableSize   int64
}

// Worker 是单个站点的离线缓存 worker，可被多个请求 goroutine 并发调用。
type Worker struct {
	site                   string
	generation             string
	manifest               []string
	fallbackPath           string
	fallbackNavigationOnly bool
	upstream               *url.URL

	network Network
	storage cache.Storage
	logger  *logrus.Logger
	metrics *metrics.Recorder

	purgeConcurrency   int
	installConcurrency int
	maxCacheableSize   int64

	lifecycle   sync.Mutex
	controlling atomic.Bool

	mu          sync.RWMutex
	state       State
	lastError   string
	installedAt time.Time
	activatedAt time.Time
	store       cache.Cache
}

// New 校验并应用默认值后创建 worker，初始状态为 parsed。
func New(opts Options) (*Worker, error) {
	if opts.Site == "" {
		return nil, errors.New("worker site required")
	}
	if opts.Generation == "" {
		return nil, errors.New("worker generation required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("worker upstream required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker network required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker storage required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.FallbackPath == "" {
		opts.FallbackPath = "/"
	}
	if opts.PurgeConcurrency <= 0 {
		opts.PurgeConcurrency = defaultPurgeConcurrency
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	if opts.MaxCacheableSize <= 0 {
		opts.MaxCacheableSize = defaultMaxCacheableSize
	}

	return &Worker{
		site:                   opts.Site,
		generation:             opts.Generation,
		manifest:               append([]string(nil), opts.Manifest...),
		fallbackPath:           opts.FallbackPath,
		fallbackNavigationOnly: opts.FallbackNavigationOnly,
		upstream:               opts.Upstream,
		network:                opts.Network,
		storage:                opts.Storage,
		logger:                 opts.Logger,
		metrics:                opts.Metrics,
		purgeConcurrency:       opts.PurgeConcurrency,
		installConcurrency:     opts.InstallConcurrency,
		maxCacheableSize:       opts.MaxCacheableSize,
		state:                  StateParsed,
	}, nil
}

func (w *Worker) Site() string       { return w.site }
func (w *Worker) Generation() string { return w.generation }

// Storage 返回站点的缓存存储，供诊断接口列出缓存仓。
func (w *Worker) Storage() cache.Storage { return w.storage }

// Manifest 返回预缓存清单的副本。
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Controlling 表示 worker 是否已激活并接管 GET 请求。
func (w *Worker) Controlling() bool {
	return w.controlling.Load()
}

// Status 是 worker 的只读快照，供诊断接口输出。
type Status struct {
	Site        string    `json:"site"`
	Generation  string    `json:"generation"`
	State       State     `json:"state"`
	Controlling bool      `json:"controlling"`
	Manifest    []string  `json:"manifest"`
	LastError   string    `json:"last_error,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		Site:        w.site,
		Generation:  w.generation,
		State:       w.state,
		Controlling: w.controlling.Load(),
		Manifest:    append([]string(nil), w.manifest...),
		LastError:   w.lastError,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}

func (w *Worker) setState(state State, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	switch state {
	case StateInstalled:
		w.installedAt = time.Now().UTC()
		w.lastError = ""
	case StateActivated:
		w.activatedAt = time.Now().UTC()
	}
	if err != nil {
		w.lastError = err.Error()
	}
}

// currentStore 返回当前代号的缓存仓，首次调用时打开。
func (w *Worker) currentStore(ctx context.Context) (cache.Cache, error) {
	w.mu.RLock()
	store := w.store
	w.mu.RUnlock()
	if store != nil {
		return store, nil
	}

	opened, err := w.storage.Open(ctx, w.generation)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.store == nil {
		w.store = opened
	}
	store = w.store
	w.mu.Unlock()
	return store, nil
}

func (w *Worker) lifecycleLog(action string) *logrus.Entry {
	return w.logger.WithFields(logging.LifecycleFields(action, w.site, w.generation))
}
