package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"kbcrawler/internal/config"
	"kbcrawler/internal/storage"
	"kbcrawler/pkg/types"
)

var (
	// ErrInvalidRequest wraps every validation failure of a create request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTaskNotPending is returned when starting a task that already ran.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrTaskRunning is returned when a task is started twice or deleted mid-run.
	ErrTaskRunning = errors.New("task is running")
	// ErrMaxRunning signals that the global running-task limit has been reached.
	ErrMaxRunning = errors.New("maximum running tasks reached")
)

// Executor runs a task to completion. *crawler.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, task *types.CrawlTask) error
}

// TaskService validates task requests and launches runs in the background.
type TaskService struct {
	tasks    storage.TaskStore
	pages    storage.PageStore
	executor Executor
	defaults config.TaskConfig
	logger   *slog.Logger

	rootCtx    context.Context
	maxRunning int

	mu      sync.Mutex
	running map[int64]struct{}
	wg      sync.WaitGroup
}

// NewTaskService constructs a service. Runs inherit rootCtx, so cancelling it
// interrupts every running task.
func NewTaskService(rootCtx context.Context, tasks storage.TaskStore, pages storage.PageStore, executor Executor, defaults config.TaskConfig, maxRunning int, logger *slog.Logger) *TaskService {
	if maxRunning <= 0 {
		maxRunning = 4
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		tasks:      tasks,
		pages:      pages,
		executor:   executor,
		defaults:   defaults,
		logger:     logger,
		rootCtx:    rootCtx,
		maxRunning: maxRunning,
		running:    make(map[int64]struct{}),
	}
}

// CreateTask stores a PENDING task built from req with defaults applied.
func (s *TaskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*types.CrawlTask, error) {
	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "kb_id", task.KnowledgeBaseID, "seed", task.SeedURL)
	return task, nil
}

func (s *TaskService) buildTask(req CreateTaskRequest) (*types.CrawlTask, error) {
	seed, err := normalizeSeedURL(req.StartURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	depth := req.MaxDepth
	if depth == 0 {
		depth = s.defaults.DefaultMaxDepth
	}
	if depth < 1 || depth > s.defaults.MaxDepthLimit {
		return nil, fmt.Errorf("%w: max_depth must be between 1 and %d", ErrInvalidRequest, s.defaults.MaxDepthLimit)
	}

	limit := req.ConcurrentLimit
	if limit == 0 {
		limit = s.defaults.DefaultConcurrency
	}
	if limit < 1 || limit > s.defaults.MaxConcurrency {
		return nil, fmt.Errorf("%w: concurrent_limit must be between 1 and %d", ErrInvalidRequest, s.defaults.MaxConcurrency)
	}

	strategy := req.CrawlStrategy
	if strings.TrimSpace(strategy) == "" {
		strategy = s.defaults.DefaultStrategy
	}

	return &types.CrawlTask{
		KnowledgeBaseID:  req.KnowledgeBaseID,
		SeedURL:          seed,
		URLPattern:       strings.TrimSpace(req.URLPattern),
		MaxDepth:         depth,
		Strategy:         types.ParseStrategy(strategy),
		ConcurrencyLimit: limit,
		Status:           types.TaskPending,
		CreatedBy:        req.CreatedBy,
	}, nil
}

// StartTask launches a PENDING task and returns immediately. The task is claimed
// before its status is read, so a run that already finished is never restarted.
func (s *TaskService) StartTask(ctx context.Context, id int64) (*types.CrawlTask, error) {
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskRunning)
	}
	if len(s.running) >= s.maxRunning {
		s.mu.Unlock()
		return nil, ErrMaxRunning
	}
	s.running[id] = struct{}{}
	s.mu.Unlock()

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if task.Status != types.TaskPending {
		s.release(id)
		return nil, fmt.Errorf("task %d is %s: %w", id, task.Status, ErrTaskNotPending)
	}

	snapshot := task.Clone()
	snapshot.Status = types.TaskRunning

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		if err := s.executor.Execute(s.rootCtx, task); err != nil {
			s.logger.Warn("task ended with error", "task_id", id, "error", err)
		}
	}()
	return snapshot, nil
}

func (s *TaskService) release(id int64) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Running reports how many tasks are executing.
func (s *TaskService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// GetTask returns the stored task.
func (s *TaskService) GetTask(ctx context.Context, id int64) (*types.CrawlTask, error) {
	return s.tasks.GetTask(ctx, id)
}

// GetProgress returns the task with its page records.
func (s *TaskService) GetProgress(ctx context.Context, id int64) (*ProgressResponse, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	pages, err := s.pages.ListPages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ProgressResponse{
		Task:         task,
		PendingPages: task.PendingPages(),
		Pages:        pages,
	}, nil
}

// ListTasks returns a knowledge base's tasks, newest first.
func (s *TaskService) ListTasks(ctx context.Context, kbID int64) ([]*types.CrawlTask, error) {
	return s.tasks.ListTasks(ctx, kbID)
}

// DeleteTask removes a task and its page records. Running tasks are refused.
func (s *TaskService) DeleteTask(ctx context.Context, id int64) error {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, busy := s.running[id]
	s.mu.Unlock()
	if busy || task.Status == types.TaskRunning {
		return fmt.Errorf("task %d: %w", id, ErrTaskRunning)
	}
	if err := s.pages.DeletePages(ctx, id); err != nil {
		return err
	}
	if err := s.tasks.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// Wait blocks until every launched run has finished or ctx is done.
func (s *TaskService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeSeedURL(seed string) (string, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return "", errors.New("start_url is required")
	}
	if !strings.Contains(seed, "://") {
		seed = "https://" + seed
	}
	parsed, err := url.Parse(seed)
	if err != nil {
		return "", fmt.Errorf("parse start_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("start_url %q must use http or https", seed)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("start_url %q missing host", seed)
	}
	return parsed.String(), nil
}
