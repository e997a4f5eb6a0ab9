package config

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// jobConfigRecord 資料庫中的作業配置
type jobConfigRecord struct {
	JobName            string `gorm:"primaryKey;size:255"`
	Cron               string `gorm:"size:255"`
	ShardingTotalCount int
	Failover           bool   `gorm:"default:false"`
	ExecutionType      string `gorm:"size:32"`
	CPUCount           float64
	MemoryMB           float64
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (jobConfigRecord) TableName() string {
	return "job_configs"
}

func toRecord(cfg types.JobConfig) jobConfigRecord {
	return jobConfigRecord{
		JobName:            cfg.JobName,
		Cron:               cfg.Cron,
		ShardingTotalCount: cfg.ShardingTotalCount,
		Failover:           cfg.Failover,
		ExecutionType:      string(cfg.ExecutionType),
		CPUCount:           cfg.CPUCount,
		MemoryMB:           cfg.MemoryMB,
	}
}

func (r jobConfigRecord) toConfig() types.JobConfig {
	return types.JobConfig{
		JobName:            r.JobName,
		Cron:               r.Cron,
		ShardingTotalCount: r.ShardingTotalCount,
		Failover:           r.Failover,
		ExecutionType:      types.JobExecutionType(r.ExecutionType),
		CPUCount:           r.CPUCount,
		MemoryMB:           r.MemoryMB,
	}
}

// GormStore 以 GORM 存放作業配置
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormStore 建立 GormStore
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, timeout: 5 * time.Second}
}

// Migrate 建立資料表
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobConfigRecord{})
}

// Save 新增或覆寫作業配置
func (s *GormStore) Save(ctx context.Context, cfg types.JobConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	record := toRecord(cfg)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// Get 讀取作業配置，不存在時回傳 false
func (s *GormStore) Get(ctx context.Context, jobName string) (types.JobConfig, bool, error) {
	var record jobConfigRecord
	err := s.db.WithContext(ctx).First(&record, "job_name = ?", jobName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.JobConfig{}, false, nil
	}
	if err != nil {
		return types.JobConfig{}, false, err
	}
	return record.toConfig(), true, nil
}

// Delete 移除作業配置
func (s *GormStore) Delete(ctx context.Context, jobName string) error {
	return s.db.WithContext(ctx).Delete(&jobConfigRecord{}, "job_name = ?", jobName).Error
}

// List 所有作業配置（依名稱排序）
func (s *GormStore) List(ctx context.Context) ([]types.JobConfig, error) {
	var records []jobConfigRecord
	if err := s.db.WithContext(ctx).Order("job_name").Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]types.JobConfig, 0, len(records))
	for _, each := range records {
		result = append(result, each.toConfig())
	}
	return result, nil
}

// Load 配置協作者介面；資料庫錯誤視為配置不存在並記錄
func (s *GormStore) Load(jobName string) (types.JobConfig, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	cfg, ok, err := s.Get(ctx, jobName)
	if err != nil {
		log.Error("Failed to load job configuration", "jobName", jobName, "error", err)
		return types.JobConfig{}, false
	}
	return cfg, ok
}

// All 所有作業配置；資料庫錯誤時回傳空清單並記錄
func (s *GormStore) All() []types.JobConfig {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	cfgs, err := s.List(ctx)
	if err != nil {
		log.Error("Failed to list job configurations", "error", err)
		return nil
	}
	return cfgs
}
