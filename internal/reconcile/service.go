// ============================================================================
// ReconcileService - 常駐任務的對帳狀態機
// ============================================================================
//
// Package: internal/reconcile
// 文件: service.go
// 功能: 找出「停滯」的常駐任務，批次向資源管理器詢問其真實狀態；
//       多次詢問仍無回應的任務判定遺失並逐出執行中狀態
//
// 判定規則:
//   連續兩次取樣 UpdateTime 都沒有變化  → 列入 remaining
//   UpdateTime 變了 / 任務不再執行中     → 移出 remaining，計數歸零
//   同一任務已送出 MaxPostTimes 次       → 逐出
//
// 節流:
//   批次請求之間至少間隔 ReconcileInterval；
//   同一任務兩次送出之間至少間隔 RetryIntervalUnit。
//   批次被節流時計數不前進，可送出的任務併入下一次批次。
//
// 並發模型:
//   狀態由 mu 保護；對外的 driver 呼叫與逐出都在釋放鎖之後進行，
//   因此慢速的資源管理器不會阻塞 GetRemainingTasks。
//
// ============================================================================

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 協作者
// ============================================================================

// TaskFacade 對帳需要的狀態入口
type TaskFacade interface {
	GetAllRunningDaemonTask() []types.TaskContext
	RemoveRunning(task types.TaskContext)
	RecordFailoverTask(task types.TaskContext)
}

// Reconciler 資源管理器的對帳介面
type Reconciler interface {
	ReconcileTasks(ctx context.Context, statuses []types.TaskStatus) error
}

// Recorder 對帳指標
type Recorder interface {
	RecordReconcile(tasks int, err error)
	RecordEviction()
	SetReconcileRemaining(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordReconcile(int, error) {}
func (nopRecorder) RecordEviction()            {}
func (nopRecorder) SetReconcileRemaining(int)  {}

// ============================================================================
// 資料結構定義
// ============================================================================

type tracked struct {
	task      types.TaskContext
	postTimes int
	lastPost  time.Time
}

// Service 對帳服務
type Service struct {
	cfg      Config
	facade   TaskFacade
	driver   Reconciler
	recorder Recorder
	now      func() time.Time

	mu           sync.Mutex
	snapshot     map[string]time.Time // taskID → 上次取樣的 UpdateTime
	remaining    map[string]*tracked
	lastBulkPost time.Time

	stopCh  chan struct{}
	cancel  context.CancelFunc // 中斷進行中的對帳請求
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// Option Service 選項
type Option func(*Service)

// WithRecorder 設定指標記錄器
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock 設定時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 建立對帳服務
func NewService(cfg Config, facade TaskFacade, driver Reconciler, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		facade:    facade,
		driver:    driver,
		recorder:  nopRecorder{},
		now:       time.Now,
		snapshot:  make(map[string]time.Time),
		remaining: make(map[string]*tracked),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ============================================================================
// 核心方法實作
// ============================================================================

// StartUp 取得初始取樣，並允許第一次迭代立即送出批次
func (s *Service) StartUp() {
	daemons := s.facade.GetAllRunningDaemonTask()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = make(map[string]time.Time, len(daemons))
	for _, each := range daemons {
		s.snapshot[each.ID] = each.UpdateTime
	}
	s.remaining = make(map[string]*tracked)
	s.lastBulkPost = s.now().Add(-s.cfg.ReconcileInterval)
	log.Info("Reconcile service started up", "daemonTasks", len(daemons))
}

// RunOneIteration 執行一次對帳
func (s *Service) RunOneIteration(ctx context.Context) {
	s.FetchRemaining(ctx)
	s.recorder.SetReconcileRemaining(s.remainingCount())
}

// FetchRemaining 更新停滯任務集合，必要時送出批次對帳並逐出超過上限的任務
//
// 回傳本次送出的任務數。
func (s *Service) FetchRemaining(ctx context.Context) int {
	current := s.facade.GetAllRunningDaemonTask()
	statuses, evicted := s.advance(current)

	if len(statuses) > 0 {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		err := s.driver.ReconcileTasks(reqCtx, statuses)
		cancel()
		if err != nil {
			log.Warn("Reconcile request failed", "tasks", len(statuses), "error", err)
		} else {
			log.Info("Reconcile request posted", "tasks", len(statuses))
		}
		s.recorder.RecordReconcile(len(statuses), err)
	}

	for _, task := range evicted {
		log.Warn("Daemon task evicted after reconcile limit", "taskID", task.ID, "maxPostTimes", s.cfg.MaxPostTimes)
		if s.cfg.FailoverOnEviction {
			s.facade.RecordFailoverTask(task)
		} else {
			s.facade.RemoveRunning(task)
		}
		s.recorder.RecordEviction()
	}
	return len(statuses)
}

// advance 在鎖內推進狀態機，回傳要送出的狀態與要逐出的任務
func (s *Service) advance(current []types.TaskContext) ([]types.TaskStatus, []types.TaskContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byID := make(map[string]types.TaskContext, len(current))
	for _, each := range current {
		byID[each.ID] = each
	}

	// 1. 不再執行中或 UpdateTime 已變化的任務移出
	for taskID := range s.remaining {
		task, ok := byID[taskID]
		if !ok || !task.UpdateTime.Equal(s.snapshot[taskID]) {
			delete(s.remaining, taskID)
		}
	}

	// 2. 連續兩次取樣未變化的任務列入；新出現的任務只記錄
	for taskID, task := range byID {
		prev, seen := s.snapshot[taskID]
		if !seen || !prev.Equal(task.UpdateTime) {
			continue
		}
		if _, exists := s.remaining[taskID]; !exists {
			s.remaining[taskID] = &tracked{task: task}
		}
	}

	// 3. 以本次取樣取代舊取樣
	s.snapshot = make(map[string]time.Time, len(byID))
	for taskID, task := range byID {
		s.snapshot[taskID] = task.UpdateTime
	}

	// 4. 逐出超過上限的任務，挑出可送出的任務
	var evicted []types.TaskContext
	var toPost []*tracked
	for _, taskID := range s.sortedRemaining() {
		t := s.remaining[taskID]
		if t.postTimes >= s.cfg.MaxPostTimes {
			evicted = append(evicted, t.task)
			delete(s.remaining, taskID)
			delete(s.snapshot, taskID)
			continue
		}
		if t.lastPost.IsZero() || now.Sub(t.lastPost) >= s.cfg.RetryIntervalUnit {
			toPost = append(toPost, t)
		}
	}

	if len(toPost) == 0 || now.Sub(s.lastBulkPost) < s.cfg.ReconcileInterval {
		return nil, evicted
	}

	statuses := make([]types.TaskStatus, 0, len(toPost))
	for _, t := range toPost {
		t.postTimes++
		t.lastPost = now
		statuses = append(statuses, types.TaskStatus{
			TaskID:  t.task.ID,
			SlaveID: t.task.SlaveID,
			State:   types.TaskRunning,
		})
	}
	s.lastBulkPost = now
	return statuses, evicted
}

func (s *Service) sortedRemaining() []string {
	ids := make([]string, 0, len(s.remaining))
	for taskID := range s.remaining {
		ids = append(ids, taskID)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) remainingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remaining)
}

// GetRemainingTasks 目前的停滯任務（依任務識別碼排序）
func (s *Service) GetRemainingTasks() []types.TaskContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]types.TaskContext, 0, len(s.remaining))
	for _, taskID := range s.sortedRemaining() {
		result = append(result, s.remaining[taskID].task)
	}
	return result
}

// PostTimes 任務已送出的對帳次數
func (s *Service) PostTimes(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.remaining[taskID]; ok {
		return t.postTimes
	}
	return 0
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行 StartUp 並啟動計時循環
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("reconcile service already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.StartUp()

	s.loopWg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOneIteration(ctx)
		}
	}
}

// Stop 停止計時循環，中斷進行中的對帳請求並等待迭代結束
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopCh)
	if cancel != nil {
		cancel()
	}
	s.loopWg.Wait()
	log.Info("Reconcile service stopped")
}
