package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawler/internal/config"
	"kbcrawler/internal/logging"
	"kbcrawler/internal/storage"
	"kbcrawler/pkg/types"
)

// gatedExecutor marks tasks RUNNING and holds them there until released.
type gatedExecutor struct {
	store   *storage.MemoryStore
	started chan int64
	release chan struct{}
	runs    atomic.Int32
}

func newGatedExecutor(store *storage.MemoryStore) *gatedExecutor {
	return &gatedExecutor{
		store:   store,
		started: make(chan int64, 8),
		release: make(chan struct{}),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, task *types.CrawlTask) error {
	g.runs.Add(1)
	task.Status = types.TaskRunning
	if err := g.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	g.started <- task.ID

	select {
	case <-g.release:
		task.Status = types.TaskCompleted
	case <-ctx.Done():
		task.Status = types.TaskFailed
		task.ErrorMessage = ctx.Err().Error()
	}
	task.TotalPages, task.SuccessPages = 1, 1
	return g.store.UpdateTask(context.WithoutCancel(ctx), task)
}

func newTestService(t *testing.T, maxRunning int) (*TaskService, *storage.MemoryStore, *gatedExecutor) {
	t.Helper()
	store := storage.NewMemoryStore()
	exec := newGatedExecutor(store)
	svc := NewTaskService(context.Background(), store, store, exec, config.Default().Tasks, maxRunning, logging.Discard())
	return svc, store, exec
}

func waitStarted(t *testing.T, exec *gatedExecutor, id int64) {
	t.Helper()
	select {
	case got := <-exec.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("task %d never started", id)
	}
}

func waitIdle(t *testing.T, svc *TaskService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))
	require.Eventually(t, func() bool { return svc.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCreateTaskAppliesDefaults(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	task, err := svc.CreateTask(context.Background(), CreateTaskRequest{
		KnowledgeBaseID: 7,
		StartURL:        "  docs.example.com/guide ",
	})
	require.NoError(t, err)

	assert.NotZero(t, task.ID)
	assert.Equal(t, "https://docs.example.com/guide", task.SeedURL)
	assert.Equal(t, 2, task.MaxDepth)
	assert.Equal(t, types.StrategyBFS, task.Strategy)
	assert.Equal(t, 3, task.ConcurrencyLimit)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Zero(t, task.TotalPages+task.SuccessPages+task.FailedPages)
}

func TestCreateTaskParsesStrategy(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	for raw, want := range map[string]types.Strategy{
		"dfs":    types.StrategyDFS,
		"DFS":    types.StrategyDFS,
		"bfs":    types.StrategyBFS,
		"random": types.StrategyBFS,
	} {
		task, err := svc.CreateTask(context.Background(), CreateTaskRequest{StartURL: "https://example.com", CrawlStrategy: raw})
		require.NoError(t, err, raw)
		assert.Equal(t, want, task.Strategy, raw)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	cases := map[string]CreateTaskRequest{
		"missing url":      {},
		"unsupported":      {StartURL: "ftp://example.com/file"},
		"depth too deep":   {StartURL: "https://example.com", MaxDepth: 11},
		"negative depth":   {StartURL: "https://example.com", MaxDepth: -1},
		"too many workers": {StartURL: "https://example.com", ConcurrentLimit: 11},
		"negative workers": {StartURL: "https://example.com", ConcurrentLimit: -2},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateTask(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStartTaskLifecycle(t *testing.T) {
	svc, store, exec := newTestService(t, 2)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://example.com"})
	require.NoError(t, err)

	started, err := svc.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, started.Status)
	waitStarted(t, exec, task.ID)

	_, err = svc.StartTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskRunning)

	require.ErrorIs(t, svc.DeleteTask(ctx, task.ID), ErrTaskRunning)

	close(exec.release)
	waitIdle(t, svc)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)

	_, err = svc.StartTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskNotPending)
}

// stallingTasks holds one GetTask call after it has read the task, so a
// concurrent start can race it.
type stallingTasks struct {
	*storage.MemoryStore
	stall  atomic.Bool
	read   chan struct{}
	resume chan struct{}
}

func (s *stallingTasks) GetTask(ctx context.Context, id int64) (*types.CrawlTask, error) {
	task, err := s.MemoryStore.GetTask(ctx, id)
	if s.stall.CompareAndSwap(true, false) {
		close(s.read)
		<-s.resume
	}
	return task, err
}

func TestStartTaskRunsTaskOnceUnderConcurrentStarts(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newGatedExecutor(store)
	tasks := &stallingTasks{MemoryStore: store, read: make(chan struct{}), resume: make(chan struct{})}
	svc := NewTaskService(context.Background(), tasks, store, exec, config.Default().Tasks, 2, logging.Discard())
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://example.com"})
	require.NoError(t, err)

	tasks.stall.Store(true)
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.StartTask(ctx, task.ID)
		firstErr <- err
	}()
	select {
	case <-tasks.read:
	case <-time.After(2 * time.Second):
		t.Fatal("first start never read the task")
	}

	// The first start saw PENDING and is still in flight.
	_, err = svc.StartTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskRunning)

	close(tasks.resume)
	select {
	case err := <-firstErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first start never returned")
	}
	waitStarted(t, exec, task.ID)
	close(exec.release)
	waitIdle(t, svc)

	_, err = svc.StartTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskNotPending)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.EqualValues(t, 1, exec.runs.Load())
	assert.Zero(t, svc.Running())
}

func TestStartTaskReleasesClaimOnRefusal(t *testing.T) {
	svc, store, exec := newTestService(t, 1)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://example.com"})
	require.NoError(t, err)
	task.Status = types.TaskFailed
	require.NoError(t, store.UpdateTask(ctx, task))

	_, err = svc.StartTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskNotPending)
	_, err = svc.StartTask(ctx, 404)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, svc.Running())

	other, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://other.example.com"})
	require.NoError(t, err)
	_, err = svc.StartTask(ctx, other.ID)
	require.NoError(t, err, "refused starts must not hold a running slot")
	waitStarted(t, exec, other.ID)
	close(exec.release)
	waitIdle(t, svc)
}

func TestStartTaskHonoursRunningLimit(t *testing.T) {
	svc, _, exec := newTestService(t, 1)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://a.example.com"})
	require.NoError(t, err)
	second, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://b.example.com"})
	require.NoError(t, err)

	_, err = svc.StartTask(ctx, first.ID)
	require.NoError(t, err)
	waitStarted(t, exec, first.ID)

	_, err = svc.StartTask(ctx, second.ID)
	require.ErrorIs(t, err, ErrMaxRunning)

	close(exec.release)
	waitIdle(t, svc)

	_, err = svc.StartTask(ctx, second.ID)
	require.NoError(t, err)
	waitStarted(t, exec, second.ID)
	waitIdle(t, svc)
}

func TestStartTaskUnknownID(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	_, err := svc.StartTask(context.Background(), 404)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProgressAndDelete(t *testing.T) {
	svc, store, _ := newTestService(t, 1)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, CreateTaskRequest{KnowledgeBaseID: 3, StartURL: "https://example.com"})
	require.NoError(t, err)
	task.Status = types.TaskCompleted
	task.TotalPages, task.SuccessPages, task.FailedPages = 3, 1, 1
	require.NoError(t, store.UpdateTask(ctx, task))
	require.NoError(t, store.SavePage(ctx, &types.PageRecord{TaskID: task.ID, URL: "https://example.com/a", Depth: 1, Status: types.PageFailed}))
	require.NoError(t, store.SavePage(ctx, &types.PageRecord{TaskID: task.ID, URL: "https://example.com/", Depth: 0, Status: types.PageSuccess}))

	progress, err := svc.GetProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.PendingPages)
	require.Len(t, progress.Pages, 2)
	assert.Equal(t, 0, progress.Pages[0].Depth)
	assert.Equal(t, 1, progress.Pages[1].Depth)

	listed, err := svc.ListTasks(ctx, 3)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, svc.DeleteTask(ctx, task.ID))
	_, err = svc.GetTask(ctx, task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	pages, err := store.ListPages(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestWaitReturnsWhenRootContextCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newGatedExecutor(store)
	root, cancel := context.WithCancel(context.Background())
	svc := NewTaskService(root, store, store, exec, config.Default().Tasks, 1, logging.Discard())

	task, err := svc.CreateTask(context.Background(), CreateTaskRequest{StartURL: "https://example.com"})
	require.NoError(t, err)
	_, err = svc.StartTask(context.Background(), task.ID)
	require.NoError(t, err)
	waitStarted(t, exec, task.ID)

	cancel()
	waitIdle(t, svc)

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}
