// ============================================================================
// Warlock Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 supervisor 運行指標，經 /metrics 端點暴露給 Prometheus
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - warlock_tasks_queued_total: 加入 registry 的任務數
//      - warlock_task_launches_total{result}: 啟動次數（ok / error）
//      - warlock_task_retries_total: 進入 RETRY 的次數
//      - warlock_tasks_removed_total{status}: 移出 registry 的任務（依最終狀態）
//      - warlock_heartbeat_timeouts_total: 心跳逾時判定失聯的次數
//
//   2. 通訊與事件 (Counter):
//      - warlock_packets_total{direction,kind}: 收發封包數
//      - warlock_events_triggered_total: TRIGGER 次數
//      - warlock_event_deliveries_total: 事件實際送達的訂閱者數
//
//   3. 狀態指標 (Gauge):
//      - warlock_tasks{status}: 各狀態目前任務數
//      - warlock_long_poll_waiters: 阻塞中的 HTTP long-poll 請求數
//      - warlock_recovery_time_seconds: 最近一次快照 + journal 恢復時間
//
//   4. 分佈 (Histogram):
//      - warlock_task_run_seconds: 任務從 RUNNING 到移除的存活時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘啟動失敗數
//   rate(warlock_task_launches_total{result="error"}[1m])
//
//   # 事件平均扇出
//   rate(warlock_event_deliveries_total[5m]) / rate(warlock_events_triggered_total[5m])
//
// 註冊:
//   每個 Collector 持有自己的 Registry，測試與多實例之間不會重複註冊。
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/warlock/pkg/types"
)

// Direction 封包方向標籤
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	tasksQueued       prometheus.Counter
	launches          *prometheus.CounterVec
	retries           prometheus.Counter
	removed           *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter

	// 通訊與事件
	packets    *prometheus.CounterVec
	triggered  prometheus.Counter
	deliveries prometheus.Counter

	// 狀態指標
	tasks        *prometheus.GaugeVec
	waiters      prometheus.Gauge
	recoveryTime prometheus.Gauge

	// 效能指標
	runTime prometheus.Histogram

	mu sync.Mutex
}

// NewCollector 創建新的指標收集器（含 Go runtime 與 process 指標）
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warlock_tasks_queued_total",
			Help: "Total number of tasks added to the registry",
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warlock_task_launches_total",
			Help: "Total number of task launches by result",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warlock_task_retries_total",
			Help: "Total number of tasks moved to RETRY",
		}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warlock_tasks_removed_total",
			Help: "Total number of tasks reaped from the registry by final status",
		}, []string{"status"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warlock_heartbeat_timeouts_total",
			Help: "Total number of workers declared dead after heartbeat silence",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warlock_packets_total",
			Help: "Total number of protocol packets by direction and kind",
		}, []string{"direction", "kind"}),
		triggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warlock_events_triggered_total",
			Help: "Total number of triggered events",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warlock_event_deliveries_total",
			Help: "Total number of event deliveries to subscribers",
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warlock_tasks",
			Help: "Current number of tasks by status",
		}, []string{"status"}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warlock_long_poll_waiters",
			Help: "Current number of blocked long-poll subscribers",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warlock_recovery_time_seconds",
			Help: "Time taken to restore tasks from snapshot and journal",
		}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warlock_task_run_seconds",
			Help:    "Lifetime of tasks from launch to removal",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}

	c.registry.MustRegister(
		c.tasksQueued, c.launches, c.retries, c.removed, c.heartbeatTimeouts,
		c.packets, c.triggered, c.deliveries,
		c.tasks, c.waiters, c.recoveryTime, c.runTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 回傳底層 registry（測試與自訂 exporter 用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordQueued 記錄任務加入 registry
func (c *Collector) RecordQueued() {
	c.tasksQueued.Inc()
}

// RecordLaunch 記錄一次啟動
func (c *Collector) RecordLaunch(err error) {
	if err != nil {
		c.launches.WithLabelValues("error").Inc()
		return
	}
	c.launches.WithLabelValues("ok").Inc()
}

// RecordRetry 記錄任務進入 RETRY
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordRemoved 記錄任務移除與其存活時間
func (c *Collector) RecordRemoved(final types.Status, aliveSeconds float64) {
	c.removed.WithLabelValues(final.String()).Inc()
	if aliveSeconds > 0 {
		c.runTime.Observe(aliveSeconds)
	}
}

// RecordHeartbeatTimeout 記錄心跳逾時
func (c *Collector) RecordHeartbeatTimeout() {
	c.heartbeatTimeouts.Inc()
}

// RecordPacket 記錄一個封包；kind 為空時以 custom 標示
func (c *Collector) RecordPacket(direction, kind string) {
	if kind == "" {
		kind = "custom"
	}
	c.packets.WithLabelValues(direction, kind).Inc()
}

// RecordTrigger 記錄一次事件觸發與其送達數
func (c *Collector) RecordTrigger(delivered int) {
	c.triggered.Inc()
	c.deliveries.Add(float64(delivered))
}

// SetWaiters 更新 long-poll 等待數
func (c *Collector) SetWaiters(n int) {
	c.waiters.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateTaskStats 以完整計數覆寫各狀態 gauge，未出現的狀態歸零
func (c *Collector) UpdateTaskStats(counts map[types.Status]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s := types.StatusInit; s <= types.StatusComplete; s++ {
		c.tasks.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
