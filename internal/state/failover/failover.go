// Package failover 失效轉移佇列：記錄等待重新分派的失效任務
//
// 以 MetaInfo 去重，同一個 MetaInfo 不會重複排入；同一作業的多個分片在
// 產生 JobContext 時會合併為一筆。
package failover

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ConfigLoader 讀取作業配置
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool)
}

type entry struct {
	meta   types.MetaInfo
	taskID string // 最後一次失效的任務識別碼
}

// Service 失效轉移佇列
type Service struct {
	mu      sync.RWMutex
	order   []string          // MetaInfo 字串，插入順序
	entries map[string]*entry // MetaInfo 字串 -> 資料
	configs ConfigLoader
}

// NewService 建立失效轉移佇列
func NewService(configs ConfigLoader) *Service {
	return &Service{
		order:   make([]string, 0),
		entries: make(map[string]*entry),
		configs: configs,
	}
}

// Add 將失效任務排入佇列；已存在相同 MetaInfo 時不做任何事
//
// 回傳是否真的新增。
func (s *Service) Add(task types.TaskContext) bool {
	key := task.MetaInfo.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return false
	}
	s.entries[key] = &entry{meta: task.MetaInfo, taskID: task.ID}
	s.order = append(s.order, key)
	return true
}

// GetAllEligibleJobContexts 每個作業名稱回傳一筆 FAILOVER JobContext
func (s *Service) GetAllEligibleJobContexts() []types.JobContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobOrder := make([]string, 0)
	items := make(map[string][]int)
	for _, key := range s.order {
		meta := s.entries[key].meta
		if _, seen := items[meta.JobName]; !seen {
			jobOrder = append(jobOrder, meta.JobName)
			items[meta.JobName] = make([]int, 0, len(meta.ShardingItems))
		}
		items[meta.JobName] = append(items[meta.JobName], meta.ShardingItems...)
	}

	result := make([]types.JobContext, 0, len(jobOrder))
	for _, jobName := range jobOrder {
		cfg, ok := s.configs.Load(jobName)
		if !ok {
			log.Warn("Failover job has no configuration, skipped", "jobName", jobName)
			continue
		}
		result = append(result, types.NewJobContext(cfg, types.ExecutionFailover, items[jobName]...))
	}
	return result
}

// Remove 重新分派成功後移除
func (s *Service) Remove(metaInfos []types.MetaInfo) {
	if len(metaInfos) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, meta := range metaInfos {
		delete(s.entries, meta.String())
	}
	order := s.order[:0]
	for _, key := range s.order {
		if _, exists := s.entries[key]; exists {
			order = append(order, key)
		}
	}
	s.order = order
}

// GetTaskID 查詢 MetaInfo 對應的失效任務識別碼
func (s *Service) GetTaskID(meta types.MetaInfo) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[meta.String()]
	if !exists {
		return "", false
	}
	return e.taskID, true
}

// MetaInfos 作業在佇列中的所有 MetaInfo（插入順序），分片序列維持排入時的原樣
func (s *Service) MetaInfos(jobName string) []types.MetaInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.MetaInfo, 0)
	for _, key := range s.order {
		meta := s.entries[key].meta
		if meta.JobName != jobName {
			continue
		}
		result = append(result, types.MetaInfo{
			JobName:       meta.JobName,
			ShardingItems: append([]int(nil), meta.ShardingItems...),
		})
	}
	return result
}

// Len 佇列中的 MetaInfo 數量
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries 依插入順序匯出所有資料
func (s *Service) Entries() []types.FailoverEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.FailoverEntry, 0, len(s.order))
	for _, key := range s.order {
		result = append(result, types.FailoverEntry{MetaInfo: key, TaskID: s.entries[key].taskID})
	}
	return result
}

// Restore 以快照資料取代目前狀態
//
// 任一筆 MetaInfo 格式錯誤時回傳 types.ErrMalformedIdentity，狀態不變。
func (s *Service) Restore(entries []types.FailoverEntry) error {
	order := make([]string, 0, len(entries))
	restored := make(map[string]*entry, len(entries))
	for _, each := range entries {
		meta, err := types.ParseMetaInfo(each.MetaInfo)
		if err != nil {
			return err
		}
		key := meta.String()
		if _, exists := restored[key]; exists {
			continue
		}
		restored[key] = &entry{meta: meta, taskID: each.TaskID}
		order = append(order, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = order
	s.entries = restored
	return nil
}
