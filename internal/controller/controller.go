// ============================================================================
// Controller - 任務生命週期核心的協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝三個狀態儲存、Facade、對帳服務、生命週期服務與排程觸發，
//       負責啟動恢復、定期快照與優雅關閉
//
// 架構設計:
//   - Facade:     ready / failover / running 三個儲存的唯一變更入口
//   - Reconcile:  常駐任務對帳，獨立的計時循環
//   - Lifecycle:  作業終止
//   - Trigger:    依 cron 將暫時作業放入 ready 佇列
//   - Snapshot:   定期保存 ready / failover 佇列
//
// 背景循環:
//   1. Reconcile Loop - 由 reconcile.Service 自行管理
//   2. Snapshot Loop  - 定期保存佇列快照
//   3. Stats Loop     - 定期更新佇列與執行中指標
//
// 崩潰恢復流程:
//   啟動時由快照恢復 ready 與 failover 佇列；執行中狀態不恢復，
//   由資源管理器的狀態回報（StatusUpdate）與對帳重新建立。
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/config"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/driver"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/facade"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/lifecycle"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/metrics"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/reconcile"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/schedule"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/snapshot"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/failover"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/ready"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/running"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Reconcile        reconcile.Config // 對帳配置
	SnapshotPath     string           // 快照檔案路徑，空字串表示不保存
	SnapshotInterval time.Duration    // 快照間隔
	SnapshotBackups  int              // 保留的舊快照數，0 表示不保留
	StatsInterval    time.Duration    // 指標更新間隔
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	launchMu  sync.Mutex
	configs   config.Store
	facade    *facade.Facade
	reconcile *reconcile.Service
	lifecycle *lifecycle.Service
	trigger   *schedule.Trigger
	snapshot  *snapshot.Manager  // nil 表示不保存快照
	collector *metrics.Collector // nil 表示不收集指標
	config    Config
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller
//
// collector 可為 nil。
func NewController(cfg Config, store config.Store, drv driver.Driver, collector *metrics.Collector) (*Controller, error) {
	var (
		facadeOpts    []facade.Option
		reconcileOpts []reconcile.Option
		killRecorder  lifecycle.Recorder
	)
	if collector != nil {
		facadeOpts = append(facadeOpts, facade.WithRecorder(collector))
		reconcileOpts = append(reconcileOpts, reconcile.WithRecorder(collector))
		killRecorder = collector
	}

	f := facade.New(store, ready.NewService(store), failover.NewService(store), running.NewService(store), facadeOpts...)

	reconcileSvc, err := reconcile.NewService(cfg.Reconcile, f, drv, reconcileOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile service: %w", err)
	}

	c := &Controller{
		configs:   store,
		facade:    f,
		reconcile: reconcileSvc,
		lifecycle: lifecycle.NewService(f, drv, killRecorder),
		trigger:   schedule.NewTrigger(f),
		collector: collector,
		config:    cfg,
		stopCh:    make(chan struct{}),
	}
	if cfg.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：由快照恢復 ready / failover 佇列
//  2. 註冊作業：常駐作業進入 ready 佇列，暫時作業交給 cron
//  3. 啟動對帳與背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log.Info("Starting recovery...")
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	c.facade.Start()

	jobs := c.configs.All()
	for _, cfg := range jobs {
		if err := c.trigger.Register(cfg); err != nil {
			return fmt.Errorf("failed to register job %q: %w", cfg.JobName, err)
		}
	}
	c.trigger.Start()

	if err := c.reconcile.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconcile service: %w", err)
	}

	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.collector != nil && c.config.StatsInterval > 0 {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	log.Info("Controller started", "jobs", len(jobs), "cronJobs", c.trigger.Len())
	return nil
}

// loadSnapshot 從快照恢復佇列
func (c *Controller) loadSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return err
	}
	if err := c.facade.Restore(data); err != nil {
		return fmt.Errorf("failed to restore queues: %w", err)
	}

	duration := time.Since(start)
	if c.collector != nil {
		c.collector.SetRecoveryTime(duration.Seconds())
	}
	log.Info("Recovery completed",
		"duration", duration,
		"ready", len(data.Ready),
		"failover", len(data.Failover))
	return nil
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()
	data := c.facade.Snapshot()

	var err error
	if c.config.SnapshotBackups > 0 {
		err = c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups)
	} else {
		err = c.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"ready", len(data.Ready),
		"failover", len(data.Failover))
	return nil
}

// statsLoop 定期更新佇列指標
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.updateStats()
		}
	}
}

func (c *Controller) updateStats() {
	stats := c.facade.Stats()
	c.collector.UpdateQueueStats(stats["ready"], stats["failover"], stats["running"])
}

// ============================================================================
// 公開方法
// ============================================================================

// Facade 狀態變更入口
func (c *Controller) Facade() *facade.Facade {
	return c.facade
}

// KillJob 終止作業的所有執行中任務，回傳送出的請求數
func (c *Controller) KillJob(ctx context.Context, jobName string) int {
	return c.lifecycle.KillJob(ctx, jobName)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	stats := c.facade.Stats()
	remaining := c.reconcile.GetRemainingTasks()
	remainingIDs := make([]string, 0, len(remaining))
	for _, each := range remaining {
		remainingIDs = append(remainingIDs, each.ID)
	}

	return map[string]interface{}{
		"uptime":          time.Since(startTime).String(),
		"ready":           stats["ready"],
		"failover":        stats["failover"],
		"running":         stats["running"],
		"cron_jobs":       c.trigger.Len(),
		"reconcile_tasks": remainingIDs,
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh)      → 通知背景循環停止
//  2. reconcile.Stop()   → 等待進行中的對帳迭代結束
//  3. trigger.Stop()     → 不再有新的作業進入 ready 佇列
//  4. loopWg.Wait()      → 等待背景循環退出
//  5. 最後一次快照，之後清空執行中狀態
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.reconcile.Stop()
	c.trigger.Stop()
	c.loopWg.Wait()

	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	c.facade.Stop()

	log.Info("Controller stopped")
}
