// ============================================================================
// Driver - 資源管理器的呼叫埠
// ============================================================================
//
// Package: internal/driver
// 文件: driver.go
// 功能: 定義排程核心對資源管理器的兩個呼叫（終止任務、對帳），
//       提供 gRPC 實作與只記錄日誌的實作
//
// 呼叫皆為 fire-and-forget：排程核心只使用成功 / 失敗做日誌與指標。
//
// ============================================================================

package driver

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// Driver 資源管理器呼叫埠
type Driver interface {
	KillTask(ctx context.Context, taskID string) error
	ReconcileTasks(ctx context.Context, statuses []types.TaskStatus) error
}

// LoggingDriver 不連線資源管理器，只記錄呼叫
//
// 未設定資源管理器位址時使用。
type LoggingDriver struct{}

// KillTask 記錄終止請求
func (LoggingDriver) KillTask(_ context.Context, taskID string) error {
	log.Info("Kill task (no resource manager)", "taskID", taskID)
	return nil
}

// ReconcileTasks 記錄對帳請求
func (LoggingDriver) ReconcileTasks(_ context.Context, statuses []types.TaskStatus) error {
	for _, each := range statuses {
		log.Info("Reconcile task (no resource manager)", "taskID", each.TaskID, "slaveID", each.SlaveID, "state", each.State)
	}
	return nil
}
