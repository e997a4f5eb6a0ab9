package ready

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type stubConfigs map[string]types.JobConfig

func (s stubConfigs) Load(jobName string) (types.JobConfig, bool) {
	cfg, ok := s[jobName]
	return cfg, ok
}

func newTestService(jobNames ...string) *Service {
	configs := stubConfigs{}
	for _, name := range jobNames {
		configs[name] = types.JobConfig{JobName: name, ShardingTotalCount: 2}
	}
	return NewService(configs)
}

func jobNamesOf(contexts []types.JobContext) []string {
	names := make([]string, 0, len(contexts))
	for _, each := range contexts {
		names = append(names, each.JobConfig.JobName)
	}
	return names
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAddDaemon_Idempotent(t *testing.T) {
	s := newTestService("daemon_job")

	s.AddDaemon("daemon_job")
	s.AddDaemon("daemon_job")

	assert.Equal(t, 1, s.Len())
	actual := s.GetAllEligibleJobContexts(nil)
	require.Len(t, actual, 1)
	assert.Equal(t, types.ExecutionReady, actual[0].Type)
	assert.Equal(t, []int{0, 1}, actual[0].AssignedShardingItems)
}

func TestGetAllEligibleJobContexts_InsertionOrder(t *testing.T) {
	s := newTestService("a_job", "b_job", "c_job")
	s.AddDaemon("c_job")
	s.AddTransient("a_job", time.Now().Add(-time.Second))
	s.AddDaemon("b_job")

	assert.Equal(t, []string{"c_job", "a_job", "b_job"}, jobNamesOf(s.GetAllEligibleJobContexts(nil)))
}

func TestGetAllEligibleJobContexts_Excluding(t *testing.T) {
	s := newTestService("failover_job", "ready_job")
	s.AddDaemon("failover_job")
	s.AddDaemon("ready_job")

	excluding := []types.JobContext{
		types.NewJobContext(types.JobConfig{JobName: "failover_job"}, types.ExecutionFailover, 0),
	}

	assert.Equal(t, []string{"ready_job"}, jobNamesOf(s.GetAllEligibleJobContexts(excluding)))
}

func TestGetAllEligibleJobContexts_TransientNotYetEligible(t *testing.T) {
	s := newTestService("later_job", "now_job")
	now := time.Now()
	s.now = func() time.Time { return now }

	s.AddTransient("later_job", now.Add(time.Minute))
	s.AddTransient("now_job", now)

	assert.Equal(t, []string{"now_job"}, jobNamesOf(s.GetAllEligibleJobContexts(nil)))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, []string{"later_job", "now_job"}, jobNamesOf(s.GetAllEligibleJobContexts(nil)))
}

func TestAddTransient_KeepsEarliest(t *testing.T) {
	s := newTestService("test_job")
	now := time.Now()
	s.now = func() time.Time { return now }

	s.AddTransient("test_job", now.Add(time.Minute))
	s.AddTransient("test_job", now.Add(-time.Minute))
	s.AddTransient("test_job", now.Add(time.Hour))

	assert.Len(t, s.GetAllEligibleJobContexts(nil), 1)
}

func TestGetAllEligibleJobContexts_MissingConfig(t *testing.T) {
	s := newTestService()
	s.AddDaemon("orphan_job")

	assert.Empty(t, s.GetAllEligibleJobContexts(nil))
	assert.True(t, s.Contains("orphan_job"), "missing config should not drop the entry")
}

func TestRemove(t *testing.T) {
	s := newTestService("a_job", "b_job")
	s.AddDaemon("a_job")
	s.AddDaemon("b_job")

	s.Remove([]string{"a_job", "not_exist"})

	assert.False(t, s.Contains("a_job"))
	assert.Equal(t, []string{"b_job"}, jobNamesOf(s.GetAllEligibleJobContexts(nil)))

	assert.NotPanics(t, func() { s.Remove([]string{"not_exist"}) })
	assert.NotPanics(t, func() { s.Remove(nil) })
}

func TestEntriesRestore(t *testing.T) {
	s := newTestService("a_job", "b_job")
	at := time.UnixMilli(time.Now().Add(-time.Minute).UnixMilli())
	s.AddTransient("a_job", at)
	s.AddDaemon("b_job")

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, types.ReadyEntry{JobName: "a_job", EligibleAt: at.UnixMilli()}, entries[0])
	assert.Equal(t, types.ReadyEntry{JobName: "b_job", Daemon: true}, entries[1])

	restored := newTestService("a_job", "b_job")
	restored.Restore(entries)
	assert.Equal(t, entries, restored.Entries())
	assert.Equal(t, []string{"a_job", "b_job"}, jobNamesOf(restored.GetAllEligibleJobContexts(nil)))
}
