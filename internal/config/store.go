// ============================================================================
// 作業配置儲存
// ============================================================================
//
// Package: internal/config
// 文件: store.go
// 功能: 提供 Load(jobName) 配置協作者的兩種實作
//   - FileStore: 啟動時從 YAML 載入，放在記憶體中
//   - GormStore: 存放在資料庫（sqlite / 其他 gorm driver）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ErrInvalidJobConfig 作業配置不合法
var ErrInvalidJobConfig = errors.New("invalid job config")

// Store 作業配置協作者
type Store interface {
	Load(jobName string) (types.JobConfig, bool)
	All() []types.JobConfig
}

// Validate 檢查單一作業配置
func Validate(cfg types.JobConfig) error {
	switch {
	case cfg.JobName == "":
		return fmt.Errorf("%w: job name is empty", ErrInvalidJobConfig)
	case strings.Contains(cfg.JobName, types.Delimiter):
		return fmt.Errorf("%w: job name %q contains %q", ErrInvalidJobConfig, cfg.JobName, types.Delimiter)
	case cfg.ShardingTotalCount < 1:
		return fmt.Errorf("%w: job %q sharding total count must be at least 1", ErrInvalidJobConfig, cfg.JobName)
	case cfg.ExecutionType != types.JobDaemon && cfg.ExecutionType != types.JobTransient:
		return fmt.Errorf("%w: job %q unknown execution type %q", ErrInvalidJobConfig, cfg.JobName, cfg.ExecutionType)
	case cfg.ExecutionType == types.JobTransient && cfg.Cron == "":
		return fmt.Errorf("%w: transient job %q requires a cron expression", ErrInvalidJobConfig, cfg.JobName)
	}
	return nil
}

// ============================================================================
// FileStore
// ============================================================================

type jobsFile struct {
	Jobs []types.JobConfig `yaml:"jobs"`
}

// LoadFile 讀取 YAML 作業清單
func LoadFile(path string) ([]types.JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Jobs))
	for _, each := range file.Jobs {
		if err := Validate(each); err != nil {
			return nil, err
		}
		if _, dup := seen[each.JobName]; dup {
			return nil, fmt.Errorf("%w: duplicate job %q", ErrInvalidJobConfig, each.JobName)
		}
		seen[each.JobName] = struct{}{}
	}
	return file.Jobs, nil
}

// FileStore 記憶體中的作業配置
type FileStore struct {
	mu   sync.RWMutex
	jobs map[string]types.JobConfig
}

// NewMemoryStore 以給定配置建立 FileStore
func NewMemoryStore(cfgs ...types.JobConfig) *FileStore {
	s := &FileStore{jobs: make(map[string]types.JobConfig, len(cfgs))}
	for _, each := range cfgs {
		s.jobs[each.JobName] = each
	}
	return s
}

// NewFileStore 從 YAML 檔案建立 FileStore
func NewFileStore(path string) (*FileStore, error) {
	cfgs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	log.Info("Job configurations loaded", "path", path, "jobs", len(cfgs))
	return NewMemoryStore(cfgs...), nil
}

// Load 讀取作業配置
func (s *FileStore) Load(jobName string) (types.JobConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.jobs[jobName]
	return cfg, ok
}

// All 所有作業配置（依名稱排序）
func (s *FileStore) All() []types.JobConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]types.JobConfig, 0, len(s.jobs))
	for _, each := range s.jobs {
		result = append(result, each)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JobName < result[j].JobName })
	return result
}

// Put 新增或覆寫作業配置
func (s *FileStore) Put(cfg types.JobConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[cfg.JobName] = cfg
	return nil
}

// Delete 移除作業配置
func (s *FileStore) Delete(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobName)
}
