// ============================================================================
// concurrent-buffer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將緩衝池狀態與消費端行為暴露為 Prometheus 指標
//
// 指標分類:
//
//   1. 狀態指標 (Gauge) - 瞬時值，來自共享狀態表：
//      - cbuffer_slots{state}: 各狀態的槽位數，總和恆為 N
//      - cbuffer_queue_depth: 工作佇列中的描述數
//
//   2. 計數器 (Counter) - 累計值：
//      - cbuffer_slot_transitions_total{kind}: reserve / available / claim / release
//        共享計數器由所有行程遞增，此處依差值累加
//      - cbuffer_items_consumed_total: 消費端取得的項目數
//
//   3. 性能指標 (Histogram)：
//      - cbuffer_consumer_wait_seconds: Next() 等待下一個槽位的時間
//
// Prometheus 查詢示例:
//
//   # 每秒消費數
//   rate(cbuffer_items_consumed_total[1m])
//
//   # 消費端是否在等 Worker（Available 長期為 0）
//   cbuffer_slots{state="available"}
//
//   # 95 分位等待時間
//   histogram_quantile(0.95, cbuffer_consumer_wait_seconds_bucket)
//
// HTTP 端點:
//   Serve() 在 /metrics 暴露預設 registry
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// Snapshot 是一次取樣的池狀態
type Snapshot struct {
	Slots    state.Stats
	QueueLen int
}

// Source 提供池狀態取樣
type Source interface {
	Snapshot() (Snapshot, error)
}

// SourceFunc 讓普通函式實作 Source
type SourceFunc func() (Snapshot, error)

// Snapshot implements Source.
func (f SourceFunc) Snapshot() (Snapshot, error) { return f() }

// Collector Prometheus 指標收集器
type Collector struct {
	slots       *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
	transitions *prometheus.CounterVec
	consumed    prometheus.Counter
	wait        prometheus.Histogram

	mu   sync.Mutex
	last state.Stats
}

// NewCollector 建立指標收集器並註冊到 prometheus.DefaultRegisterer。
// pool 作為所有指標的常數標籤。
func NewCollector(pool string) *Collector {
	labels := prometheus.Labels{"pool": pool}
	c := &Collector{
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cbuffer_slots",
			Help:        "Number of slots in each state",
			ConstLabels: labels,
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cbuffer_queue_depth",
			Help:        "Descriptors waiting in the work queue",
			ConstLabels: labels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cbuffer_slot_transitions_total",
			Help:        "Slot state transitions performed by all processes",
			ConstLabels: labels,
		}, []string{"kind"}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cbuffer_items_consumed_total",
			Help:        "Items handed to the consumer",
			ConstLabels: labels,
		}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "cbuffer_consumer_wait_seconds",
			Help:        "Time the consumer waited for the next slot",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
			ConstLabels: labels,
		}),
	}

	prometheus.MustRegister(c.slots)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.transitions)
	prometheus.MustRegister(c.consumed)
	prometheus.MustRegister(c.wait)

	return c
}

// Unregister 從 prometheus.DefaultRegisterer 移除所有指標
func (c *Collector) Unregister() {
	prometheus.Unregister(c.slots)
	prometheus.Unregister(c.queueDepth)
	prometheus.Unregister(c.transitions)
	prometheus.Unregister(c.consumed)
	prometheus.Unregister(c.wait)
}

// RecordConsumed 記錄消費端取得一個項目及其等待時間
func (c *Collector) RecordConsumed(wait time.Duration) {
	c.consumed.Inc()
	c.wait.Observe(wait.Seconds())
}

// Update 依取樣結果更新狀態指標與轉換計數
func (c *Collector) Update(s Snapshot) {
	for _, st := range types.AllStates() {
		c.slots.WithLabelValues(st.String()).Set(float64(s.Slots.Counts[st]))
	}
	c.queueDepth.Set(float64(s.QueueLen))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addDelta("reserve", c.last.Reservations, s.Slots.Reservations)
	c.addDelta("available", c.last.Availabilities, s.Slots.Availabilities)
	c.addDelta("claim", c.last.Claims, s.Slots.Claims)
	c.addDelta("release", c.last.Releases, s.Slots.Releases)
	c.last = s.Slots
}

func (c *Collector) addDelta(kind string, prev, cur uint64) {
	if cur > prev {
		c.transitions.WithLabelValues(kind).Add(float64(cur - prev))
	}
}

// Watch 每 interval 取樣一次直到 ctx 結束或 src 返回錯誤
func (c *Collector) Watch(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := src.Snapshot()
		if err != nil {
			log.Debug("Metrics watch stopped", "error", err)
			return
		}
		c.Update(s)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve 在 addr 的 /metrics 暴露指標，ctx 結束時關閉伺服器
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
