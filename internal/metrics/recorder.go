package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellcache"

// Recorder 汇总 worker 的 Prometheus 指标与延迟分位数。所有方法对 nil 接收者安全。
type Recorder struct {
	registry *prometheus.Registry
	latency  *LatencyTracker

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	installs      *prometheus.CounterVec
	purged        *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
}

// NewRecorder 创建独立 registry，goCollector 控制是否附带运行时指标。
func NewRecorder(goCollector bool) *Recorder {
	registry := prometheus.NewRegistry()
	if goCollector {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := &Recorder{
		registry: registry,
		latency:  NewLatencyTracker(0.01),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by site and response source.",
		}, []string{"site", "source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent answering intercepted requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site", "source"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_total",
			Help:      "Install attempts by site and result.",
		}, []string{"site", "result"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_caches_total",
			Help:      "Stale cache stores deleted during activation.",
		}, []string{"site"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Write-through cache writes by site and result.",
		}, []string{"site", "result"}),
	}
	registry.MustRegister(r.fetches, r.fetchDuration, r.installs, r.purged, r.cacheWrites)
	return r
}

// Registry 暴露底层 registry，便于测试直接采集。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Latency 返回按站点聚合的延迟统计器。
func (r *Recorder) Latency() *LatencyTracker {
	if r == nil {
		return nil
	}
	return r.latency
}

// ObserveFetch 记录一次拦截结果。
func (r *Recorder) ObserveFetch(site, source string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(site, source).Inc()
	r.fetchDuration.WithLabelValues(site, source).Observe(elapsed.Seconds())
	r.latency.Record(site, elapsed)
}

// ObserveInstall 记录一次安装尝试，result 取 success/failure。
func (r *Recorder) ObserveInstall(site, result string) {
	if r == nil {
		return
	}
	r.installs.WithLabelValues(site, result).Inc()
}

// ObservePurge 记录激活阶段删除的旧缓存仓数量。
func (r *Recorder) ObservePurge(site string, deleted int) {
	if r == nil || deleted <= 0 {
		return
	}
	r.purged.WithLabelValues(site).Add(float64(deleted))
}

// ObserveCacheWrite 记录写穿结果，result 取 stored/skipped/failed。
func (r *Recorder) ObserveCacheWrite(site, result string) {
	if r == nil {
		return
	}
	r.cacheWrites.WithLabelValues(site, result).Inc()
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
