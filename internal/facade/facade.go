// ============================================================================
// Facade - 任務狀態的唯一變更入口
// ============================================================================
//
// Package: internal/facade
// 文件: facade.go
// 功能: 組合 Ready / Failover / Running 三個狀態儲存，對 driver 回呼層提供
//       原子性的狀態轉換
//
// 狀態轉換:
//   分派成功      removeLaunchTasksFromQueue → Ready/Failover 移除
//   任務啟動      AddRunning                 → Running 加入
//   任務完成      RemoveRunning              → Running 移除
//   任務失敗      RecordFailoverTask         → Running 移除 (+ Failover 加入)
//
// 並發模型:
//   每個 MetaInfo 一把鎖（keyLocks）。同一 MetaInfo 的「加入執行中 / 移除執行中 /
//   加入失效轉移」一次只會有一個在進行；不同 MetaInfo 可以並行。
//   跨儲存的轉換（RecordFailoverTask）整段持有同一把鎖，外部看不到一半的狀態。
//
// ============================================================================

package facade

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/failover"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/ready"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/state/running"
	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ConfigLoader 作業配置協作者
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool)
}

// Recorder 記錄失效轉移結果的指標
type Recorder interface {
	RecordFailoverQueued()
	RecordFailoverDropped(reason string)
}

// 失效任務不重新排入的原因
const (
	DropConfigMissing   = "config_missing"
	DropFailoverDisable = "failover_disabled"
)

type nopRecorder struct{}

func (nopRecorder) RecordFailoverQueued()        {}
func (nopRecorder) RecordFailoverDropped(string) {}

// Facade 狀態變更入口
type Facade struct {
	configs  ConfigLoader
	ready    *ready.Service
	failover *failover.Service
	running  *running.Service
	locks    *keyLocks
	recorder Recorder
	now      func() time.Time
}

// Option Facade 選項
type Option func(*Facade)

// WithRecorder 設定指標記錄器
func WithRecorder(r Recorder) Option {
	return func(f *Facade) {
		if r != nil {
			f.recorder = r
		}
	}
}

// New 以三個狀態儲存與配置協作者建立 Facade
func New(configs ConfigLoader, readySvc *ready.Service, failoverSvc *failover.Service, runningSvc *running.Service, opts ...Option) *Facade {
	f := &Facade{
		configs:  configs,
		ready:    readySvc,
		failover: failoverSvc,
		running:  runningSvc,
		locks:    newKeyLocks(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start 啟動
func (f *Facade) Start() {
	f.running.Start()
}

// Stop 停止，清空執行中狀態
func (f *Facade) Stop() {
	f.running.Stop()
}

// ============================================================================
// 佇列
// ============================================================================

// GetEligibleJobContext 取得本週期可分派的作業
//
// 失效轉移優先：先取 Failover，再取 Ready 並排除已出現在 Failover 結果中的作業。
func (f *Facade) GetEligibleJobContext() []types.JobContext {
	failoverContexts := f.failover.GetAllEligibleJobContexts()
	readyContexts := f.ready.GetAllEligibleJobContexts(failoverContexts)

	result := make([]types.JobContext, 0, len(failoverContexts)+len(readyContexts))
	result = append(result, failoverContexts...)
	return append(result, readyContexts...)
}

// RemoveLaunchTasksFromQueue 分派被資源管理器接受後，從佇列移除
//
// FAILOVER 任務以 MetaInfo 從 Failover 移除，其餘以作業名稱從 Ready 移除。
func (f *Facade) RemoveLaunchTasksFromQueue(tasks []types.TaskContext) {
	metaInfos := make([]types.MetaInfo, 0, len(tasks))
	jobNames := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, each := range tasks {
		if each.Type == types.ExecutionFailover {
			metaInfos = append(metaInfos, each.MetaInfo)
			continue
		}
		if _, dup := seen[each.MetaInfo.JobName]; !dup {
			seen[each.MetaInfo.JobName] = struct{}{}
			jobNames = append(jobNames, each.MetaInfo.JobName)
		}
	}

	for _, meta := range metaInfos {
		unlock := f.locks.lock(meta.String())
		f.failover.Remove([]types.MetaInfo{meta})
		unlock()
	}
	f.ready.Remove(jobNames)
}

// AddDaemonJobToReadyQueue 將常駐作業加入 ready 佇列
func (f *Facade) AddDaemonJobToReadyQueue(jobName string) {
	f.ready.AddDaemon(jobName)
}

// AddTransientJobToReadyQueue 排程觸發的暫時作業加入 ready 佇列
func (f *Facade) AddTransientJobToReadyQueue(jobName string, eligibleAt time.Time) {
	f.ready.AddTransient(jobName, eligibleAt)
}

// GetFailoverTaskID 查詢失效轉移佇列中的任務識別碼
func (f *Facade) GetFailoverTaskID(meta types.MetaInfo) (string, bool) {
	return f.failover.GetTaskID(meta)
}

// GetFailoverMetaInfos 作業在失效轉移佇列中的 MetaInfo，重新分派時每個 MetaInfo 一個任務
func (f *Facade) GetFailoverMetaInfos(jobName string) []types.MetaInfo {
	return f.failover.MetaInfos(jobName)
}

// ============================================================================
// 執行中任務
// ============================================================================

// AddRunning 記錄任務開始執行
func (f *Facade) AddRunning(task types.TaskContext) {
	unlock := f.locks.lock(task.MetaInfo.String())
	defer unlock()
	f.running.Add(task)
}

// UpdateDaemonStatus 更新常駐任務閒置狀態
func (f *Facade) UpdateDaemonStatus(task types.TaskContext, idle bool) {
	unlock := f.locks.lock(task.MetaInfo.String())
	defer unlock()
	f.running.UpdateIdle(task, idle)
}

// ReportAlive 存活回報路徑，刷新任務的 UpdateTime
func (f *Facade) ReportAlive(task types.TaskContext) bool {
	unlock := f.locks.lock(task.MetaInfo.String())
	defer unlock()
	return f.running.RefreshUpdateTime(task, f.now())
}

// RemoveRunning 移除執行中任務
func (f *Facade) RemoveRunning(task types.TaskContext) {
	unlock := f.locks.lock(task.MetaInfo.String())
	defer unlock()
	f.running.Remove(task)
}

// RecordFailoverTask 任務失敗處理
//
// 一律先移除執行中紀錄；只有配置存在且開啟失效轉移時才排入 Failover。
// 配置不存在或關閉失效轉移屬於政策結果，不是錯誤。
func (f *Facade) RecordFailoverTask(task types.TaskContext) {
	unlock := f.locks.lock(task.MetaInfo.String())
	defer unlock()

	f.running.Remove(task)

	cfg, ok := f.configs.Load(task.MetaInfo.JobName)
	if !ok {
		log.Info("Failed task dropped, job configuration missing", "taskID", task.ID)
		f.recorder.RecordFailoverDropped(DropConfigMissing)
		return
	}
	if !cfg.Failover {
		log.Info("Failed task dropped, failover disabled", "taskID", task.ID)
		f.recorder.RecordFailoverDropped(DropFailoverDisable)
		return
	}
	if f.failover.Add(task) {
		f.recorder.RecordFailoverQueued()
		log.Debug("Failed task queued for failover", "taskID", task.ID)
	}
}

// GetAllRunningDaemonTask 常駐任務快照（供對帳使用）
func (f *Facade) GetAllRunningDaemonTask() []types.TaskContext {
	return f.running.GetAllRunningDaemonTask()
}

// GetRunningTasks 作業的執行中任務
func (f *Facade) GetRunningTasks(jobName string) []types.TaskContext {
	return f.running.GetRunningTasks(jobName)
}

// IsJobRunning 作業是否有任何任務執行中
func (f *Facade) IsJobRunning(jobName string) bool {
	return len(f.running.GetRunningTasks(jobName)) > 0
}

// IsMetaInfoRunning 是否有任何嘗試以此 MetaInfo 執行中
func (f *Facade) IsMetaInfoRunning(meta types.MetaInfo) bool {
	return f.running.IsTaskRunning(meta)
}

// IsRunning 任務是否執行中
//
// READY 任務以任務識別碼比對；FAILOVER 任務每次嘗試識別碼不同，改以 MetaInfo 比對。
func (f *Facade) IsRunning(task types.TaskContext) bool {
	if task.Type == types.ExecutionFailover {
		return f.running.IsTaskRunning(task.MetaInfo)
	}
	for _, each := range f.running.GetRunningTasks(task.MetaInfo.JobName) {
		if each.Equal(task) {
			return true
		}
	}
	return false
}

// AddMapping 記錄任務所在主機
func (f *Facade) AddMapping(taskID, hostname string) {
	f.running.AddMapping(taskID, hostname)
}

// PopMapping 取出並移除任務所在主機
func (f *Facade) PopMapping(taskID string) (string, bool) {
	return f.running.PopMapping(taskID)
}

// ============================================================================
// 配置與統計
// ============================================================================

// Load 讀取作業配置
func (f *Facade) Load(jobName string) (types.JobConfig, bool) {
	return f.configs.Load(jobName)
}

// Stats 各儲存的數量統計
func (f *Facade) Stats() map[string]int {
	return map[string]int{
		"ready":    f.ready.Len(),
		"failover": f.failover.Len(),
		"running":  f.running.Count(),
	}
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 匯出 ready 與 failover 佇列（執行中狀態不匯出）
func (f *Facade) Snapshot() types.QueueSnapshot {
	return types.QueueSnapshot{
		Ready:    f.ready.Entries(),
		Failover: f.failover.Entries(),
	}
}

// Restore 由快照恢復 ready 與 failover 佇列
func (f *Facade) Restore(data types.QueueSnapshot) error {
	if err := f.failover.Restore(data.Failover); err != nil {
		return err
	}
	f.ready.Restore(data.Ready)
	return nil
}
