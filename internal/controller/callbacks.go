package controller

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// ============================================================================
// Driver 回呼介面
// ============================================================================

// ErrUnknownTaskState 無法處理的任務狀態
var ErrUnknownTaskState = errors.New("unknown task state")

// Launch 資源供給回呼：將本週期可分派的作業轉成任務，分派到 slaveID
//
// READY 作業每個分片一個任務；FAILOVER 作業每個排入的 MetaInfo 一個任務，分片序列不變。
// 同一 MetaInfo 已在執行中的任務略過。分派的任務從佇列移除並記錄為執行中。
// 整段在 launchMu 內完成，並行的資源供給不會重複分派同一分片。
func (c *Controller) Launch(slaveID string) ([]types.TaskContext, error) {
	if err := types.ValidateSlaveID(slaveID); err != nil {
		return nil, err
	}

	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	contexts := c.facade.GetEligibleJobContext()
	tasks := make([]types.TaskContext, 0, len(contexts))
	for _, jobContext := range contexts {
		jobName := jobContext.JobConfig.JobName
		if err := types.ValidateJobName(jobName); err != nil {
			log.Warn("Job skipped, name cannot form a task id", "jobName", jobName, "error", err)
			continue
		}
		for _, meta := range c.launchMetaInfos(jobContext) {
			task := types.NewTaskContext(jobName, meta.ShardingItems, jobContext.Type, slaveID)
			if c.facade.IsMetaInfoRunning(task.MetaInfo) {
				log.Debug("Shard already running, skipped", "taskID", task.ID)
				continue
			}
			tasks = append(tasks, task)
		}
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	c.facade.RemoveLaunchTasksFromQueue(tasks)
	for _, each := range tasks {
		c.facade.AddRunning(each)
		c.facade.AddMapping(each.ID, slaveID)
	}
	log.Info("Tasks launched", "slaveID", slaveID, "tasks", len(tasks))
	return tasks, nil
}

// launchMetaInfos 作業本次要分派的 MetaInfo
func (c *Controller) launchMetaInfos(jobContext types.JobContext) []types.MetaInfo {
	jobName := jobContext.JobConfig.JobName
	if jobContext.Type == types.ExecutionFailover {
		return c.facade.GetFailoverMetaInfos(jobName)
	}
	result := make([]types.MetaInfo, 0, len(jobContext.AssignedShardingItems))
	for _, item := range jobContext.AssignedShardingItems {
		result = append(result, types.MetaInfo{JobName: jobName, ShardingItems: []int{item}})
	}
	return result
}

// StatusUpdate 狀態回報回呼
//
//	TASK_STAGING                       → 忽略
//	TASK_RUNNING                       → 存活回報；不在執行中則重新加入（重啟後重建）
//	TASK_FINISHED / TASK_KILLED        → 移除執行中
//	TASK_FAILED / TASK_ERROR / TASK_LOST → 失效處理（依作業配置決定是否重新排入）
func (c *Controller) StatusUpdate(taskID string, state types.TaskState) error {
	task, err := types.Decode(taskID)
	if err != nil {
		return err
	}

	switch state {
	case types.TaskStaging:
	case types.TaskRunning:
		if !c.facade.ReportAlive(task) {
			c.facade.AddRunning(task)
			log.Info("Running task rediscovered", "taskID", taskID)
		}
	case types.TaskFinished, types.TaskKilled:
		c.facade.RemoveRunning(task)
		c.facade.PopMapping(taskID)
	case types.TaskFailed, types.TaskError, types.TaskLost:
		c.facade.RecordFailoverTask(task)
		c.facade.PopMapping(taskID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskState, state)
	}
	log.Debug("Task status updated", "taskID", taskID, "state", state)
	return nil
}

// UpdateDaemonStatus 常駐任務回報閒置 / 忙碌
func (c *Controller) UpdateDaemonStatus(taskID string, idle bool) error {
	task, err := types.Decode(taskID)
	if err != nil {
		return err
	}
	c.facade.UpdateDaemonStatus(task, idle)
	return nil
}
