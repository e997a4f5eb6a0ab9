// ============================================================================
// Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集任務生命週期核心的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - elasticjob_reconcile_requests_total{result}: 對帳請求次數（ok / error）
//      - elasticjob_reconcile_tasks_posted_total: 對帳送出的任務數
//      - elasticjob_reconcile_evictions_total: 超過上限被逐出的常駐任務數
//      - elasticjob_failover_queued_total: 排入失效轉移佇列的任務數
//      - elasticjob_failover_dropped_total{reason}: 不重新排入的失效任務數
//      - elasticjob_kill_requests_total{result}: 終止任務請求次數
//
//   2. 狀態指標 (Gauge):
//      - elasticjob_queue_ready / elasticjob_queue_failover: 佇列長度
//      - elasticjob_tasks_running: 執行中任務數
//      - elasticjob_reconcile_remaining: 停滯中的常駐任務數
//      - elasticjob_recovery_time_seconds: 最近一次由快照恢復所花時間
//
// Prometheus 查詢示例:
//
//   # 對帳失敗率
//   rate(elasticjob_reconcile_requests_total{result="error"}[5m])
//     / rate(elasticjob_reconcile_requests_total[5m])
//
//   # 常駐任務遺失速率
//   rate(elasticjob_reconcile_evictions_total[10m])
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "elasticjob"

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Collector Prometheus 指標收集器
type Collector struct {
	// 對帳
	reconcileRequests  *prometheus.CounterVec
	reconcilePosted    prometheus.Counter
	reconcileEvictions prometheus.Counter
	reconcileRemaining prometheus.Gauge

	// 失效轉移與終止
	failoverQueued  prometheus.Counter
	failoverDropped *prometheus.CounterVec
	killRequests    *prometheus.CounterVec

	// 狀態指標
	queueReady    prometheus.Gauge
	queueFailover prometheus.Gauge
	tasksRunning  prometheus.Gauge
	recoveryTime  prometheus.Gauge
}

// NewCollector 建立指標收集器並註冊到 reg（nil 時使用 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		reconcileRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_requests_total",
			Help:      "Total number of reconcile requests sent to the resource manager",
		}, []string{"result"}),
		reconcilePosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_tasks_posted_total",
			Help:      "Total number of task statuses posted for reconciliation",
		}),
		reconcileEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_evictions_total",
			Help:      "Total number of daemon tasks evicted after exhausting reconcile attempts",
		}),
		reconcileRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_remaining",
			Help:      "Current number of stalled daemon tasks awaiting confirmation",
		}),
		failoverQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_queued_total",
			Help:      "Total number of failed tasks queued for failover",
		}),
		failoverDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_dropped_total",
			Help:      "Total number of failed tasks not queued for failover",
		}, []string{"reason"}),
		killRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kill_requests_total",
			Help:      "Total number of kill task requests sent to the resource manager",
		}, []string{"result"}),
		queueReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready",
			Help:      "Current number of jobs in the ready queue",
		}),
		queueFailover: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_failover",
			Help:      "Current number of tasks in the failover queue",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Current number of running tasks",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore queues from the last snapshot in seconds",
		}),
	}

	reg.MustRegister(
		c.reconcileRequests,
		c.reconcilePosted,
		c.reconcileEvictions,
		c.reconcileRemaining,
		c.failoverQueued,
		c.failoverDropped,
		c.killRequests,
		c.queueReady,
		c.queueFailover,
		c.tasksRunning,
		c.recoveryTime,
	)
	return c
}

// RecordReconcile 記錄一次對帳請求
func (c *Collector) RecordReconcile(tasks int, err error) {
	c.reconcileRequests.WithLabelValues(resultLabel(err)).Inc()
	c.reconcilePosted.Add(float64(tasks))
}

// RecordEviction 記錄一次逐出
func (c *Collector) RecordEviction() {
	c.reconcileEvictions.Inc()
}

// SetReconcileRemaining 設定停滯任務數
func (c *Collector) SetReconcileRemaining(n int) {
	c.reconcileRemaining.Set(float64(n))
}

// RecordFailoverQueued 記錄失效任務排入佇列
func (c *Collector) RecordFailoverQueued() {
	c.failoverQueued.Inc()
}

// RecordFailoverDropped 記錄失效任務不重新排入
func (c *Collector) RecordFailoverDropped(reason string) {
	c.failoverDropped.WithLabelValues(reason).Inc()
}

// RecordKill 記錄一次終止請求
func (c *Collector) RecordKill(err error) {
	c.killRequests.WithLabelValues(resultLabel(err)).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列與執行中任務統計
func (c *Collector) UpdateQueueStats(ready, failover, running int) {
	c.queueReady.Set(float64(ready))
	c.queueFailover.Set(float64(failover))
	c.tasksRunning.Set(float64(running))
}
