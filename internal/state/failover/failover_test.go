package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

type stubConfigs map[string]types.JobConfig

func (s stubConfigs) Load(jobName string) (types.JobConfig, bool) {
	cfg, ok := s[jobName]
	return cfg, ok
}

func newTestService(jobNames ...string) *Service {
	configs := stubConfigs{}
	for _, name := range jobNames {
		configs[name] = types.JobConfig{JobName: name, ShardingTotalCount: 3, Failover: true}
	}
	return NewService(configs)
}

func failoverTask(jobName string, items ...int) types.TaskContext {
	return types.NewTaskContext(jobName, items, types.ExecutionFailover, "slave-S0")
}

func TestAdd_Idempotent(t *testing.T) {
	s := newTestService("test_job")
	first := failoverTask("test_job", 0)

	assert.True(t, s.Add(first))
	assert.False(t, s.Add(failoverTask("test_job", 0)), "same MetaInfo must not be queued twice")

	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.GetAllEligibleJobContexts(), 1)

	taskID, ok := s.GetTaskID(first.MetaInfo)
	require.True(t, ok)
	assert.Equal(t, first.ID, taskID, "the first failed attempt keeps its task id")
}

func TestGetAllEligibleJobContexts_CoalescesShards(t *testing.T) {
	s := newTestService("a_job", "b_job")
	s.Add(failoverTask("a_job", 0))
	s.Add(failoverTask("b_job", 1))
	s.Add(failoverTask("a_job", 2))

	actual := s.GetAllEligibleJobContexts()
	require.Len(t, actual, 2)

	assert.Equal(t, "a_job", actual[0].JobConfig.JobName)
	assert.Equal(t, types.ExecutionFailover, actual[0].Type)
	assert.Equal(t, []int{0, 2}, actual[0].AssignedShardingItems)

	assert.Equal(t, "b_job", actual[1].JobConfig.JobName)
	assert.Equal(t, []int{1}, actual[1].AssignedShardingItems)
}

func TestGetAllEligibleJobContexts_MissingConfig(t *testing.T) {
	s := newTestService()
	s.Add(failoverTask("orphan_job", 0))

	assert.Empty(t, s.GetAllEligibleJobContexts())
	assert.Equal(t, 1, s.Len())
}

func TestRemove(t *testing.T) {
	s := newTestService("test_job")
	a := failoverTask("test_job", 0)
	b := failoverTask("test_job", 1)
	s.Add(a)
	s.Add(b)

	s.Remove([]types.MetaInfo{a.MetaInfo, {JobName: "not_exist", ShardingItems: []int{0}}})

	assert.Equal(t, 1, s.Len())
	_, ok := s.GetTaskID(a.MetaInfo)
	assert.False(t, ok)
	_, ok = s.GetTaskID(b.MetaInfo)
	assert.True(t, ok)
}

func TestMetaInfos_KeepsShardLists(t *testing.T) {
	s := newTestService("test_job", "other_job")
	s.Add(failoverTask("test_job", 0, 1))
	s.Add(failoverTask("other_job", 0))
	s.Add(failoverTask("test_job", 2))

	metas := s.MetaInfos("test_job")

	require.Len(t, metas, 2)
	assert.Equal(t, []int{0, 1}, metas[0].ShardingItems)
	assert.Equal(t, []int{2}, metas[1].ShardingItems)
	assert.Empty(t, s.MetaInfos("missing_job"))

	metas[0].ShardingItems[0] = 9
	assert.Equal(t, []int{0, 1}, s.MetaInfos("test_job")[0].ShardingItems, "callers get a copy")
}

func TestGetTaskID_Absent(t *testing.T) {
	s := newTestService()
	_, ok := s.GetTaskID(types.MetaInfo{JobName: "test_job", ShardingItems: []int{0}})
	assert.False(t, ok)
}

func TestEntriesRestore(t *testing.T) {
	s := newTestService("test_job")
	s.Add(failoverTask("test_job", 0))
	s.Add(failoverTask("test_job", 1))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "test_job@-@0", entries[0].MetaInfo)

	restored := newTestService("test_job")
	require.NoError(t, restored.Restore(entries))
	assert.Equal(t, entries, restored.Entries())
}

func TestRestore_Malformed(t *testing.T) {
	s := newTestService("test_job")
	s.Add(failoverTask("test_job", 0))

	err := s.Restore([]types.FailoverEntry{{MetaInfo: "broken", TaskID: "x"}})
	assert.ErrorIs(t, err, types.ErrMalformedIdentity)
	assert.Equal(t, 1, s.Len(), "state should be unchanged on failure")
}
