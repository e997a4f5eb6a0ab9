// ============================================================================
// Trigger - 作業進入 ready 佇列的排程觸發
// ============================================================================
//
// Package: internal/schedule
// 文件: trigger.go
// 功能: 常駐作業註冊時直接標記為 daemon-ready；
//       暫時作業依 cron 表達式觸發，每次觸發以當下時間加入 ready 佇列
//
// cron 表達式支援可選的秒欄位（6 欄）與 "?"，例如 "0/30 * * * * ?"。
//
// ============================================================================

package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ErrInvalidCron cron 表達式不合法
var ErrInvalidCron = errors.New("invalid cron expression")

// ReadyQueue 觸發的目的地
type ReadyQueue interface {
	AddDaemonJobToReadyQueue(jobName string)
	AddTransientJobToReadyQueue(jobName string, eligibleAt time.Time)
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger cron 觸發器
type Trigger struct {
	mu      sync.Mutex
	cron    *cron.Cron
	queue   ReadyQueue
	entries map[string]cron.EntryID // 作業名稱 → cron 項目
	now     func() time.Time
}

// NewTrigger 建立觸發器
func NewTrigger(queue ReadyQueue) *Trigger {
	return &Trigger{
		cron:    cron.New(cron.WithParser(parser)),
		queue:   queue,
		entries: make(map[string]cron.EntryID),
		now:     time.Now,
	}
}

// ParseCron 檢查 cron 表達式
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return schedule, nil
}

// Register 註冊作業
//
// 常駐作業立即加入 ready 佇列；暫時作業依 cron 觸發。重複註冊會取代舊的排程。
func (t *Trigger) Register(cfg types.JobConfig) error {
	if cfg.IsDaemon() {
		t.queue.AddDaemonJobToReadyQueue(cfg.JobName)
		log.Info("Daemon job registered", "jobName", cfg.JobName)
		return nil
	}

	schedule, err := ParseCron(cfg.Cron)
	if err != nil {
		return err
	}

	jobName := cfg.JobName
	fire := cron.FuncJob(func() {
		t.queue.AddTransientJobToReadyQueue(jobName, t.now())
		log.Debug("Transient job triggered", "jobName", jobName)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, exists := t.entries[jobName]; exists {
		t.cron.Remove(id)
	}
	t.entries[jobName] = t.cron.Schedule(schedule, fire)
	log.Info("Transient job registered", "jobName", jobName, "cron", cfg.Cron)
	return nil
}

// Unregister 移除作業的排程（常駐作業沒有排程，忽略）
func (t *Trigger) Unregister(jobName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, exists := t.entries[jobName]; exists {
		t.cron.Remove(id)
		delete(t.entries, jobName)
	}
}

// Next 作業下一次觸發時間
//
// 查詢與 Unregister 在同一把鎖內，項目不會在查詢途中被移除。
func (t *Trigger) Next(jobName string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, exists := t.entries[jobName]
	if !exists {
		return time.Time{}, false
	}
	entry := t.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Schedule.Next(t.now()), true
}

// Len 已排程的暫時作業數
func (t *Trigger) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Start 啟動 cron
func (t *Trigger) Start() {
	t.cron.Start()
}

// Stop 停止 cron，等待執行中的觸發結束
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
}
