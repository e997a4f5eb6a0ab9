package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubFacade 可變的執行中常駐任務清單
type stubFacade struct {
	mu       sync.Mutex
	tasks    []types.TaskContext
	removed  []types.TaskContext
	failover []types.TaskContext
}

func (f *stubFacade) GetAllRunningDaemonTask() []types.TaskContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TaskContext(nil), f.tasks...)
}

func (f *stubFacade) RemoveRunning(task types.TaskContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, task)
}

func (f *stubFacade) RecordFailoverTask(task types.TaskContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failover = append(f.failover, task)
}

func (f *stubFacade) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = nil
}

func (f *stubFacade) touch(i int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[i].Touch(at)
}

type mockDriver struct {
	mock.Mock
	mu    sync.Mutex
	posts [][]types.TaskStatus
}

func (m *mockDriver) ReconcileTasks(ctx context.Context, statuses []types.TaskStatus) error {
	m.mu.Lock()
	m.posts = append(m.posts, statuses)
	m.mu.Unlock()
	return m.Called(ctx, statuses).Error(0)
}

func (m *mockDriver) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *mockDriver) lastPostSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.posts) == 0 {
		return 0
	}
	return len(m.posts[len(m.posts)-1])
}

// blockingDriver 請求一直阻塞到 ctx 結束
type blockingDriver struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{started: make(chan struct{})}
}

func (d *blockingDriver) ReconcileTasks(ctx context.Context, statuses []types.TaskStatus) error {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	service *Service
	facade  *stubFacade
	driver  *mockDriver
	clock   *fakeClock
}

func testConfig() Config {
	return Config{
		TickInterval:      10 * time.Millisecond,
		ReconcileInterval: 0,
		RetryIntervalUnit: 0,
		MaxPostTimes:      3,
		RequestTimeout:    time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		facade: &stubFacade{tasks: []types.TaskContext{
			types.NewTaskContext("daemon1", []int{1, 2}, types.ExecutionReady, "slave-S0"),
			types.NewTaskContext("daemon2", []int{1, 2}, types.ExecutionReady, "slave-S0"),
		}},
		driver: &mockDriver{},
		clock:  clock,
	}
	f.driver.On("ReconcileTasks", mock.Anything, mock.Anything).Return(nil)

	service, err := NewService(cfg, f.facade, f.driver, WithClock(clock.Now))
	require.NoError(t, err)
	f.service = service
	return f
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"zero tick":          func(c *Config) { c.TickInterval = 0 },
		"negative reconcile": func(c *Config) { c.ReconcileInterval = -time.Second },
		"negative retry":     func(c *Config) { c.RetryIntervalUnit = -time.Second },
		"zero max post":      func(c *Config) { c.MaxPostTimes = 0 },
		"zero timeout":       func(c *Config) { c.RequestTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewService(cfg, &stubFacade{}, &mockDriver{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestFetchEmpty(t *testing.T) {
	f := newFixture(t, testConfig())
	f.service.StartUp()
	f.facade.clear()

	f.service.FetchRemaining(context.Background())

	assert.Empty(t, f.service.GetRemainingTasks())
	f.driver.AssertNotCalled(t, "ReconcileTasks", mock.Anything, mock.Anything)
}

func TestReconcile_BulkInterval(t *testing.T) {
	cfg := testConfig()
	cfg.ReconcileInterval = 100 * time.Millisecond
	f := newFixture(t, cfg)
	f.service.StartUp()

	assert.Equal(t, 2, f.service.FetchRemaining(context.Background()))
	assert.Equal(t, 1, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize())

	assert.Equal(t, 0, f.service.FetchRemaining(context.Background()), "bulk post is throttled")
	assert.Equal(t, 1, f.driver.postCount())

	f.clock.Advance(200 * time.Millisecond)
	f.service.FetchRemaining(context.Background())
	assert.Equal(t, 2, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize())
}

func TestReconcile_PostedStatuses(t *testing.T) {
	f := newFixture(t, testConfig())
	f.service.StartUp()

	f.service.FetchRemaining(context.Background())

	require.Equal(t, 1, f.driver.postCount())
	statuses := f.driver.posts[0]
	require.Len(t, statuses, 2)
	for _, each := range statuses {
		assert.Equal(t, "slave-S0", each.SlaveID)
		assert.Equal(t, types.TaskRunning, each.State)
	}
	assert.Less(t, statuses[0].TaskID, statuses[1].TaskID, "statuses are posted in task id order")
}

func TestNoRunningDaemonTasks(t *testing.T) {
	f := newFixture(t, testConfig())
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	assert.Len(t, f.service.GetRemainingTasks(), 2)

	f.facade.clear()
	f.service.RunOneIteration(context.Background())

	assert.Empty(t, f.service.GetRemainingTasks())
	assert.Empty(t, f.facade.removed)
}

func TestDaemonTasksUpdated(t *testing.T) {
	f := newFixture(t, testConfig())
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	assert.Len(t, f.service.GetRemainingTasks(), 2)

	f.clock.Advance(100 * time.Millisecond)
	f.facade.touch(0, f.clock.Now())
	f.facade.touch(1, f.clock.Now())
	f.service.RunOneIteration(context.Background())

	assert.Empty(t, f.service.GetRemainingTasks())
	assert.Empty(t, f.facade.removed)
	assert.Equal(t, 1, f.driver.postCount(), "alive tasks are not posted again")
}

func TestRePostReconcile(t *testing.T) {
	cfg := testConfig()
	cfg.RetryIntervalUnit = 100 * time.Millisecond
	f := newFixture(t, cfg)
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	assert.Len(t, f.service.GetRemainingTasks(), 2)
	assert.Equal(t, 1, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize())

	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 1, f.driver.postCount(), "per task retry interval not elapsed")

	f.clock.Advance(150 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 2, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize())

	f.facade.touch(0, f.clock.Now())
	f.clock.Advance(200 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 3, f.driver.postCount())
	assert.Equal(t, 1, f.driver.lastPostSize())
	assert.Len(t, f.service.GetRemainingTasks(), 1)
}

func TestReachLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RetryIntervalUnit = 10 * time.Millisecond
	cfg.MaxPostTimes = 2
	f := newFixture(t, cfg)
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	assert.Len(t, f.service.GetRemainingTasks(), 2)
	assert.Equal(t, 1, f.driver.postCount())

	f.clock.Advance(15 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 2, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize())

	f.clock.Advance(50 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 2, f.driver.postCount(), "no post once the limit is reached")
	assert.Empty(t, f.service.GetRemainingTasks())
	assert.Len(t, f.facade.removed, 2, "stalled tasks are evicted from running")
	assert.Empty(t, f.facade.failover)
}

func TestReachLimit_FailoverOnEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPostTimes = 1
	cfg.FailoverOnEviction = true
	f := newFixture(t, cfg)
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	f.service.RunOneIteration(context.Background())

	assert.Len(t, f.facade.failover, 2)
	assert.Empty(t, f.facade.removed)
}

func TestThrottledTasksCoalesce(t *testing.T) {
	cfg := testConfig()
	cfg.ReconcileInterval = 100 * time.Millisecond
	f := newFixture(t, cfg)
	f.service.StartUp()
	f.service.RunOneIteration(context.Background())
	first := f.service.GetRemainingTasks()[0].ID

	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 1, f.service.PostTimes(first), "throttled iterations do not count as posts")

	f.clock.Advance(100 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 2, f.service.PostTimes(first))
}

func TestThrottledTasksCoalesce_DifferentEligibility(t *testing.T) {
	cfg := testConfig()
	cfg.ReconcileInterval = 100 * time.Millisecond
	cfg.RetryIntervalUnit = 50 * time.Millisecond
	f := newFixture(t, cfg)
	first, second := f.facade.tasks[0].ID, f.facade.tasks[1].ID
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())
	require.Equal(t, 1, f.driver.postCount())

	// second 回報存活後重新停滯，比 first 晚成為可送出
	f.clock.Advance(30 * time.Millisecond)
	f.facade.touch(1, f.clock.Now())
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, []string{first}, remainingIDs(f.service))

	f.clock.Advance(30 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, []string{first, second}, remainingIDs(f.service))
	assert.Equal(t, 1, f.driver.postCount(), "both eligible but the bulk post is throttled")

	f.clock.Advance(20 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 1, f.driver.postCount())
	assert.Equal(t, 1, f.service.PostTimes(first))
	assert.Equal(t, 0, f.service.PostTimes(second))

	f.clock.Advance(20 * time.Millisecond)
	f.service.RunOneIteration(context.Background())
	assert.Equal(t, 2, f.driver.postCount())
	assert.Equal(t, 2, f.driver.lastPostSize(), "tasks eligible at different times share one post")
	assert.Equal(t, 2, f.service.PostTimes(first))
	assert.Equal(t, 1, f.service.PostTimes(second))
}

func remainingIDs(s *Service) []string {
	var ids []string
	for _, each := range s.GetRemainingTasks() {
		ids = append(ids, each.ID)
	}
	return ids
}

func TestRequestTimeoutBoundsIteration(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	facade := &stubFacade{tasks: []types.TaskContext{
		types.NewTaskContext("daemon1", []int{1, 2}, types.ExecutionReady, "slave-S0"),
		types.NewTaskContext("daemon2", []int{1, 2}, types.ExecutionReady, "slave-S0"),
	}}
	service, err := NewService(cfg, facade, newBlockingDriver(), WithClock(newFakeClock().Now))
	require.NoError(t, err)
	service.StartUp()

	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		service.RunOneIteration(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration did not return after the request timeout")
	}
	assert.GreaterOrEqual(t, time.Since(start), cfg.RequestTimeout)
	remaining := service.GetRemainingTasks()
	require.Len(t, remaining, 2)
	for _, each := range remaining {
		assert.Equal(t, 1, service.PostTimes(each.ID), "a timed out request still counts as posted")
	}
}

func TestStopCancelsInflightRequest(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Second
	facade := &stubFacade{tasks: []types.TaskContext{
		types.NewTaskContext("daemon1", []int{1, 2}, types.ExecutionReady, "slave-S0"),
	}}
	drv := newBlockingDriver()
	service, err := NewService(cfg, facade, drv)
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))

	select {
	case <-drv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile request was never sent")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		service.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the in-flight request")
	}
}

func TestReconcileFailureCountsAsPosted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.driver.ExpectedCalls = nil
	f.driver.On("ReconcileTasks", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	f.service.StartUp()

	f.service.RunOneIteration(context.Background())

	for _, each := range f.service.GetRemainingTasks() {
		assert.Equal(t, 1, f.service.PostTimes(each.ID))
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	service, err := NewService(cfg, &stubFacade{}, &mockDriver{})
	require.NoError(t, err)

	require.NoError(t, service.Start(context.Background()))
	assert.Error(t, service.Start(context.Background()), "second start is rejected")

	time.Sleep(30 * time.Millisecond)
	service.Stop()
	assert.NotPanics(t, service.Stop, "stop is idempotent")
}
