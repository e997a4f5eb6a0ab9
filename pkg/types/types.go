// Package types 定義了任務生命週期核心使用的領域模型
//
// 任務識別碼（task id）本身即為節點值（node value），格式如下：
//
//	{jobName}@-@{shardingItems}@-@{executionType}@-@{slaveID}@-@{uuid}
//
// 例如：test_job@-@0,1@-@READY@-@slave-S0@-@0a1b...
// 前兩段組成 MetaInfo，可由任務識別碼直接還原，不需要查詢任何儲存。
package types

// Delimiter 任務識別碼各段之間的分隔符號
const Delimiter = "@-@"

// ExecutionType 任務的執行來源
type ExecutionType string

const (
	ExecutionReady    ExecutionType = "READY"    // 由 ready 佇列首次分派
	ExecutionFailover ExecutionType = "FAILOVER" // 由失效轉移佇列重新分派
)

// Valid 檢查執行類型是否合法
func (t ExecutionType) Valid() bool {
	return t == ExecutionReady || t == ExecutionFailover
}

// JobExecutionType 作業的執行型態
type JobExecutionType string

const (
	JobTransient JobExecutionType = "TRANSIENT" // 依排程觸發，執行完即結束
	JobDaemon    JobExecutionType = "DAEMON"    // 常駐任務，定期回報存活
)

// JobConfig 作業配置，由配置協作者（config store）提供
type JobConfig struct {
	JobName            string           `json:"job_name" yaml:"job_name"`
	Cron               string           `json:"cron" yaml:"cron"`
	ShardingTotalCount int              `json:"sharding_total_count" yaml:"sharding_total_count"`
	Failover           bool             `json:"failover" yaml:"failover"`
	ExecutionType      JobExecutionType `json:"execution_type" yaml:"execution_type"`
	CPUCount           float64          `json:"cpu_count" yaml:"cpu_count"`
	MemoryMB           float64          `json:"memory_mb" yaml:"memory_mb"`
}

// IsDaemon 是否為常駐作業
func (c JobConfig) IsDaemon() bool {
	return c.ExecutionType == JobDaemon
}

// ShardingItems 回傳所有分片項目 0..n-1
func (c JobConfig) ShardingItems() []int {
	items := make([]int, 0, c.ShardingTotalCount)
	for i := 0; i < c.ShardingTotalCount; i++ {
		items = append(items, i)
	}
	return items
}

// JobContext 本次排程週期中可被分派的作業，不持久化
type JobContext struct {
	JobConfig             JobConfig     // 作業配置
	Type                  ExecutionType // 來源：READY 或 FAILOVER
	AssignedShardingItems []int         // 本次要分派的分片
}

// NewJobContext 以作業配置建立 JobContext
//
// READY 類型分派所有分片；FAILOVER 類型只分派傳入的失效分片。
func NewJobContext(cfg JobConfig, typ ExecutionType, failedItems ...int) JobContext {
	items := failedItems
	if typ == ExecutionReady {
		items = cfg.ShardingItems()
	}
	return JobContext{
		JobConfig:             cfg,
		Type:                  typ,
		AssignedShardingItems: items,
	}
}

// TaskState 資源管理器與排程器之間交換的任務狀態
type TaskState string

const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskError    TaskState = "TASK_ERROR"
	TaskLost     TaskState = "TASK_LOST"
)

// Terminal 任務是否已結束
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskKilled, TaskFailed, TaskError, TaskLost:
		return true
	}
	return false
}

// TaskStatus 對帳請求中單一任務的狀態
type TaskStatus struct {
	TaskID  string    `json:"task_id"`
	SlaveID string    `json:"slave_id"`
	State   TaskState `json:"state"`
}

// ============================================================================
// 快照資料
// ============================================================================

// ReadyEntry ready 佇列中的一筆資料
type ReadyEntry struct {
	JobName    string `json:"job_name"`
	Daemon     bool   `json:"daemon"`
	EligibleAt int64  `json:"eligible_at_ms,omitempty"` // 最早可分派時間（Unix 毫秒），僅用於 transient
}

// FailoverEntry 失效轉移佇列中的一筆資料
type FailoverEntry struct {
	MetaInfo string `json:"meta_info"` // MetaInfo 字串形式
	TaskID   string `json:"task_id"`   // 最後一次失效的任務識別碼
}

// QueueSnapshot ready 與 failover 佇列的快照
//
// 執行中任務不在快照內：重新啟動後由對帳重建，不信任本地舊資料。
type QueueSnapshot struct {
	SchemaVer int             `json:"schema_ver"`
	SavedAt   int64           `json:"saved_at"`
	Ready     []ReadyEntry    `json:"ready"`
	Failover  []FailoverEntry `json:"failover"`
}
