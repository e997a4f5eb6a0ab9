// ============================================================================
// Ready 佇列 - 等待分派的作業
// ============================================================================
//
// Package: internal/state/ready
// 文件: ready.go
// 功能: 記錄等待分派的作業名稱
//
// 兩種來源:
//   1. transient - 由排程觸發器寫入，附帶最早可分派時間
//   2. daemon    - 常駐作業，標記後一律可分派
//
// 順序:
//   依發現順序（插入順序）輸出，只為了測試可重現，沒有其他語意。
//
// 並發安全:
//   sync.RWMutex 保護所有資料；移除不存在的作業為 no-op。
//
// ============================================================================

package ready

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ConfigLoader 讀取作業配置
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool)
}

// entry ready 佇列中的單一作業
type entry struct {
	daemon     bool
	eligibleAt time.Time
}

// Service ready 佇列
type Service struct {
	mu      sync.RWMutex
	order   []string          // 插入順序
	entries map[string]*entry // 作業名稱 -> 資料
	configs ConfigLoader
	now     func() time.Time
}

// NewService 建立 ready 佇列
func NewService(configs ConfigLoader) *Service {
	return &Service{
		order:   make([]string, 0),
		entries: make(map[string]*entry),
		configs: configs,
		now:     time.Now,
	}
}

// AddTransient 加入一般作業，eligibleAt 之後才可分派
//
// 已存在的作業保留較早的可分派時間；已標記為 daemon 的作業不受影響。
func (s *Service) AddTransient(jobName string, eligibleAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[jobName]; exists {
		if !e.daemon && eligibleAt.Before(e.eligibleAt) {
			e.eligibleAt = eligibleAt
		}
		return
	}
	s.insert(jobName, &entry{eligibleAt: eligibleAt})
}

// AddDaemon 將作業標記為常駐（冪等）
func (s *Service) AddDaemon(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[jobName]; exists {
		e.daemon = true
		return
	}
	s.insert(jobName, &entry{daemon: true})
}

func (s *Service) insert(jobName string, e *entry) {
	s.entries[jobName] = e
	s.order = append(s.order, jobName)
}

// GetAllEligibleJobContexts 取得所有可分派的作業，排除 excluding 中已出現的作業
//
// 排除是為了避免同一作業在本週期同時以 FAILOVER 與 READY 被分派兩次。
// 找不到配置的作業會被略過。
func (s *Service) GetAllEligibleJobContexts(excluding []types.JobContext) []types.JobContext {
	excluded := make(map[string]struct{}, len(excluding))
	for _, each := range excluding {
		excluded[each.JobConfig.JobName] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	result := make([]types.JobContext, 0, len(s.order))
	for _, jobName := range s.order {
		if _, skip := excluded[jobName]; skip {
			continue
		}
		e := s.entries[jobName]
		if !e.daemon && e.eligibleAt.After(now) {
			continue
		}
		cfg, ok := s.configs.Load(jobName)
		if !ok {
			log.Warn("Ready job has no configuration, skipped", "jobName", jobName)
			continue
		}
		result = append(result, types.NewJobContext(cfg, types.ExecutionReady))
	}
	return result
}

// Remove 分派成功後移除作業
func (s *Service) Remove(jobNames []string) {
	if len(jobNames) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, jobName := range jobNames {
		if _, exists := s.entries[jobName]; exists {
			delete(s.entries, jobName)
			removed = true
		}
	}
	if !removed {
		return
	}

	order := s.order[:0]
	for _, jobName := range s.order {
		if _, exists := s.entries[jobName]; exists {
			order = append(order, jobName)
		}
	}
	s.order = order
}

// Contains 作業是否在 ready 佇列中
func (s *Service) Contains(jobName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[jobName]
	return exists
}

// Len ready 佇列中的作業數
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ============================================================================
// 快照
// ============================================================================

// Entries 依插入順序匯出所有資料
func (s *Service) Entries() []types.ReadyEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.ReadyEntry, 0, len(s.order))
	for _, jobName := range s.order {
		e := s.entries[jobName]
		item := types.ReadyEntry{JobName: jobName, Daemon: e.daemon}
		if !e.daemon {
			item.EligibleAt = e.eligibleAt.UnixMilli()
		}
		result = append(result, item)
	}
	return result
}

// Restore 以快照資料取代目前狀態
func (s *Service) Restore(entries []types.ReadyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(entries))
	s.entries = make(map[string]*entry, len(entries))
	for _, each := range entries {
		if _, exists := s.entries[each.JobName]; exists {
			continue
		}
		e := &entry{daemon: each.Daemon}
		if !each.Daemon {
			e.eligibleAt = time.UnixMilli(each.EligibleAt)
		}
		s.insert(each.JobName, e)
	}
}
