// ============================================================================
// Running 狀態 - 執行中任務的權威紀錄
// ============================================================================
//
// Package: internal/state/running
// 文件: running.go
// 功能: 記錄目前執行中的任務、其存活時間、主機位置與閒置狀態
//
// 數據結構:
//   tasks map[jobName]map[taskID]*TaskContext - 每個作業的執行中任務
//   hosts map[taskID]hostname                 - 任務所在主機
//   idle  map[taskID]bool                     - 常駐任務的閒置/忙碌狀態
//
// 持久性:
//   只存在記憶體。Stop() 清空全部狀態；排程器重啟後由對帳重建，不從磁碟恢復。
//
// 並發安全:
//   sync.RWMutex 保護所有 map；對外回傳的都是複本，呼叫端修改不影響內部狀態。
//
// ============================================================================

package running

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ConfigLoader 讀取作業配置，用來判斷任務是否屬於常駐作業
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool)
}

// Service 執行中任務的紀錄
type Service struct {
	mu      sync.RWMutex
	tasks   map[string]map[string]*types.TaskContext
	hosts   map[string]string
	idle    map[string]bool
	configs ConfigLoader
	now     func() time.Time
}

// NewService 建立執行中任務紀錄
func NewService(configs ConfigLoader) *Service {
	return &Service{
		tasks:   make(map[string]map[string]*types.TaskContext),
		hosts:   make(map[string]string),
		idle:    make(map[string]bool),
		configs: configs,
		now:     time.Now,
	}
}

// Start 啟動（目前只記錄日誌，狀態由後續的分派與對帳填入）
func (s *Service) Start() {
	log.Info("Running service started")
}

// Stop 停止並清空所有記憶體狀態
func (s *Service) Stop() {
	s.Clear()
	log.Info("Running service stopped")
}

// Clear 清空所有狀態
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]map[string]*types.TaskContext)
	s.hosts = make(map[string]string)
	s.idle = make(map[string]bool)
}

// Add 加入執行中任務；相同任務識別碼已存在時不做任何事
func (s *Service) Add(task types.TaskContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobName := task.MetaInfo.JobName
	byID, exists := s.tasks[jobName]
	if !exists {
		byID = make(map[string]*types.TaskContext)
		s.tasks[jobName] = byID
	}
	if _, exists := byID[task.ID]; exists {
		return false
	}

	stored := task
	stored.MetaInfo.ShardingItems = append([]int(nil), task.MetaInfo.ShardingItems...)
	if stored.UpdateTime.IsZero() {
		stored.UpdateTime = s.now()
	}
	byID[task.ID] = &stored
	return true
}

// Remove 移除任務，並一併清除閒置狀態與主機對應
func (s *Service) Remove(task types.TaskContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobName := task.MetaInfo.JobName
	if byID, exists := s.tasks[jobName]; exists {
		delete(byID, task.ID)
		if len(byID) == 0 {
			delete(s.tasks, jobName)
		}
	}
	delete(s.idle, task.ID)
	delete(s.hosts, task.ID)
}

// UpdateIdle 更新常駐任務的閒置狀態；任務不在執行中則忽略
func (s *Service) UpdateIdle(task types.TaskContext, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(task) == nil {
		return
	}
	s.idle[task.ID] = idle
}

// IsIdle 查詢常駐任務是否閒置
func (s *Service) IsIdle(task types.TaskContext) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idle[task.ID]
}

// RefreshUpdateTime 存活回報：將任務的 UpdateTime 更新為 at
//
// 這是 UpdateTime 唯一的寫入路徑。任務不在執行中時回傳 false。
func (s *Service) RefreshUpdateTime(task types.TaskContext, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.lookup(task)
	if stored == nil {
		return false
	}
	stored.Touch(at)
	return true
}

func (s *Service) lookup(task types.TaskContext) *types.TaskContext {
	byID, exists := s.tasks[task.MetaInfo.JobName]
	if !exists {
		return nil
	}
	return byID[task.ID]
}

// GetRunningTasks 取得作業的所有執行中任務（依任務識別碼排序）
func (s *Service) GetRunningTasks(jobName string) []types.TaskContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTasks(s.tasks[jobName])
}

// IsTaskRunning 以 MetaInfo 判斷是否有任務執行中（FAILOVER 任務每次嘗試的識別碼都不同）
func (s *Service) IsTaskRunning(meta types.MetaInfo) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, each := range s.tasks[meta.JobName] {
		if each.MetaInfo.Equal(meta) {
			return true
		}
	}
	return false
}

// GetAllRunningDaemonTask 取得所有常駐作業的執行中任務複本
//
// 配置查詢可能走資料庫，在釋放鎖之後才進行。
func (s *Service) GetAllRunningDaemonTask() []types.TaskContext {
	s.mu.RLock()
	byJob := make(map[string][]types.TaskContext, len(s.tasks))
	for jobName, byID := range s.tasks {
		byJob[jobName] = copyTasks(byID)
	}
	s.mu.RUnlock()

	result := make([]types.TaskContext, 0)
	for jobName, tasks := range byJob {
		cfg, ok := s.configs.Load(jobName)
		if !ok || !cfg.IsDaemon() {
			continue
		}
		result = append(result, tasks...)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count 執行中任務總數
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, byID := range s.tasks {
		total += len(byID)
	}
	return total
}

// AddMapping 記錄任務所在主機
func (s *Service) AddMapping(taskID, hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[taskID] = hostname
}

// PopMapping 取出並移除任務所在主機
func (s *Service) PopMapping(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostname, exists := s.hosts[taskID]
	if exists {
		delete(s.hosts, taskID)
	}
	return hostname, exists
}

func copyTasks(byID map[string]*types.TaskContext) []types.TaskContext {
	result := make([]types.TaskContext, 0, len(byID))
	for _, each := range byID {
		task := *each
		task.MetaInfo.ShardingItems = append([]int(nil), each.MetaInfo.ShardingItems...)
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
