package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func writeJobsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func daemonJob(name string) types.JobConfig {
	return types.JobConfig{JobName: name, ShardingTotalCount: 2, Failover: true, ExecutionType: types.JobDaemon, CPUCount: 1, MemoryMB: 128}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(daemonJob("test_job")))

	cases := map[string]types.JobConfig{
		"empty name":        {ShardingTotalCount: 1, ExecutionType: types.JobDaemon},
		"delimiter in name": {JobName: "a@-@b", ShardingTotalCount: 1, ExecutionType: types.JobDaemon},
		"no shards":         {JobName: "j", ExecutionType: types.JobDaemon},
		"unknown type":      {JobName: "j", ShardingTotalCount: 1, ExecutionType: "BATCH"},
		"transient no cron": {JobName: "j", ShardingTotalCount: 1, ExecutionType: types.JobTransient},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(cfg), ErrInvalidJobConfig)
		})
	}
}

func TestNewFileStore(t *testing.T) {
	path := writeJobsFile(t, `
jobs:
  - job_name: daemon_job
    sharding_total_count: 3
    failover: true
    execution_type: DAEMON
  - job_name: transient_job
    cron: "0/5 * * * * ?"
    sharding_total_count: 1
    execution_type: TRANSIENT
`)

	store, err := NewFileStore(path)
	require.NoError(t, err)

	cfg, ok := store.Load("daemon_job")
	require.True(t, ok)
	assert.Equal(t, 3, cfg.ShardingTotalCount)
	assert.True(t, cfg.Failover)
	assert.True(t, cfg.IsDaemon())

	_, ok = store.Load("missing_job")
	assert.False(t, ok)

	all := store.All()
	require.Len(t, all, 2)
	assert.Equal(t, "daemon_job", all[0].JobName)
	assert.Equal(t, "transient_job", all[1].JobName)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeJobsFile(t, "jobs: [not: valid"))
	assert.Error(t, err)

	_, err = LoadFile(writeJobsFile(t, `
jobs:
  - job_name: dup
    sharding_total_count: 1
    execution_type: DAEMON
  - job_name: dup
    sharding_total_count: 1
    execution_type: DAEMON
`))
	assert.ErrorIs(t, err, ErrInvalidJobConfig)
}

func TestFileStore_PutDelete(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Put(daemonJob("test_job")))
	assert.ErrorIs(t, store.Put(types.JobConfig{}), ErrInvalidJobConfig)
	_, ok := store.Load("test_job")
	assert.True(t, ok)

	store.Delete("test_job")
	_, ok = store.Load("test_job")
	assert.False(t, ok)
}

func TestGormStore(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Save(ctx, daemonJob("b_job")))
	require.NoError(t, store.Save(ctx, daemonJob("a_job")))

	cfg, ok := store.Load("a_job")
	require.True(t, ok)
	assert.Equal(t, daemonJob("a_job"), cfg)

	updated := daemonJob("a_job")
	updated.Failover = false
	require.NoError(t, store.Save(ctx, updated), "save overwrites an existing job")
	cfg, ok, err := store.Get(ctx, "a_job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cfg.Failover)

	all := store.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a_job", all[0].JobName)

	require.NoError(t, store.Delete(ctx, "a_job"))
	_, ok = store.Load("a_job")
	assert.False(t, ok)
}

func TestGormStore_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.Migrate(ctx))

	assert.ErrorIs(t, store.Save(ctx, types.JobConfig{JobName: "j"}), ErrInvalidJobConfig)
}

func TestGormStore_LoadWithoutTable(t *testing.T) {
	store := NewGormStore(openTestDB(t))

	_, ok := store.Load("test_job")
	assert.False(t, ok, "database errors read as a missing configuration")
	assert.Empty(t, store.All())
}
