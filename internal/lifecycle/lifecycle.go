package lifecycle

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// RunningTasks 執行中任務查詢
type RunningTasks interface {
	GetRunningTasks(jobName string) []types.TaskContext
}

// Killer 資源管理器的終止介面
type Killer interface {
	KillTask(ctx context.Context, taskID string) error
}

// Recorder 終止請求指標
type Recorder interface {
	RecordKill(err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordKill(error) {}

// Service 作業生命週期操作
type Service struct {
	running  RunningTasks
	killer   Killer
	recorder Recorder
}

// NewService 建立 Service，recorder 可為 nil
func NewService(running RunningTasks, killer Killer, recorder Recorder) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{running: running, killer: killer, recorder: recorder}
}

// KillJob 要求資源管理器終止作業的所有執行中任務
//
// 不修改執行中狀態，任務移除由之後的狀態回呼完成。
// 單一任務終止失敗只記錄，不重試，也不影響其他任務。回傳送出的請求數。
func (s *Service) KillJob(ctx context.Context, jobName string) int {
	tasks := s.running.GetRunningTasks(jobName)
	for _, each := range tasks {
		err := s.killer.KillTask(ctx, each.ID)
		if err != nil {
			log.Warn("Kill task request failed", "jobName", jobName, "taskID", each.ID, "error", err)
		}
		s.recorder.RecordKill(err)
	}
	if len(tasks) > 0 {
		log.Info("Kill job requested", "jobName", jobName, "tasks", len(tasks))
	}
	return len(tasks)
}
