package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kbcrawler/internal/fetcher"
	"kbcrawler/pkg/types"
)

// ErrTaskFinished is returned by Execute for a task that already reached a terminal status.
var ErrTaskFinished = errors.New("task already finished")

// TaskWriter persists task state transitions and progress.
type TaskWriter interface {
	UpdateTask(ctx context.Context, task *types.CrawlTask) error
}

// PageWriter persists per-URL outcomes.
type PageWriter interface {
	SavePage(ctx context.Context, rec *types.PageRecord) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for run diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithShutdownTimeout bounds how long a finished run waits for its workers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.shutdownTimeout = d
		}
	}
}

// Orchestrator executes crawl tasks. It is safe to run several tasks concurrently;
// each Execute call owns its own worker pool and visited set.
type Orchestrator struct {
	fetcher         fetcher.Fetcher
	tasks           TaskWriter
	pages           PageWriter
	logger          *slog.Logger
	shutdownTimeout time.Duration
	now             func() time.Time
}

// New builds an Orchestrator.
func New(f fetcher.Fetcher, tasks TaskWriter, pages PageWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:         f,
		tasks:           tasks,
		pages:           pages,
		logger:          slog.Default(),
		shutdownTimeout: 60 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs task to a terminal status. The task is updated in place and persisted
// at every transition. The returned error is the reason the task ended FAILED, or an
// error persisting the task itself. Finished tasks are refused untouched.
func (o *Orchestrator) Execute(ctx context.Context, task *types.CrawlTask) error {
	if task.Status.Terminal() {
		return fmt.Errorf("task %d is %s: %w", task.ID, task.Status, ErrTaskFinished)
	}
	logger := o.logger.With("task_id", task.ID, "run_id", uuid.NewString())

	started := o.now()
	task.Status = types.TaskRunning
	task.StartedAt = &started
	task.CompletedAt = nil
	task.ErrorMessage = ""
	if err := o.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("mark task %d running: %w", task.ID, err)
	}
	logger.Info("crawl started",
		"seed", task.SeedURL,
		"strategy", task.Strategy,
		"max_depth", task.MaxDepth,
		"concurrency", task.ConcurrencyLimit,
	)

	runErr := o.run(ctx, task, logger)

	completed := o.now()
	task.CompletedAt = &completed
	if runErr != nil {
		task.Status = types.TaskFailed
		task.ErrorMessage = runErr.Error()
	} else {
		task.Status = types.TaskCompleted
	}
	// The terminal write must land even when ctx is already done.
	if err := o.tasks.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		logger.Error("persist terminal status failed", "status", task.Status, "error", err)
		return errors.Join(runErr, fmt.Errorf("persist task %d: %w", task.ID, err))
	}

	attrs := []any{
		"status", task.Status,
		"total", task.TotalPages,
		"success", task.SuccessPages,
		"failed", task.FailedPages,
		"elapsed", completed.Sub(started),
	}
	if runErr != nil {
		logger.Error("crawl failed", append(attrs, "error", runErr)...)
	} else {
		logger.Info("crawl completed", attrs...)
	}
	return runErr
}

func (o *Orchestrator) run(ctx context.Context, task *types.CrawlTask, logger *slog.Logger) error {
	filter, err := NewURLFilter(task.URLPattern)
	if err != nil {
		return err
	}
	if task.MaxDepth <= 0 {
		task.TotalPages = 0
		return nil
	}

	limit := task.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}

	var (
		fr          frontier
		maxInFlight int
		markOnPop   bool
	)
	switch types.ParseStrategy(string(task.Strategy)) {
	case types.StrategyDFS:
		fr, maxInFlight, markOnPop = &lifo{}, 1, true
	default:
		fr, maxInFlight = &fifo{}, 2*limit
	}

	pool, err := NewWorkerPool(ctx, limit, maxInFlight)
	if err != nil {
		return err
	}
	r := &run{
		orchestrator: o,
		task:         task,
		taskID:       task.ID,
		maxDepth:     task.MaxDepth,
		filter:       filter,
		visited:      newVisitedSet(),
		pool:         pool,
		results:      make(chan visitResult, maxInFlight),
		logger:       logger,
	}

	err = r.traverse(ctx, fr, maxInFlight, markOnPop)
	grace := o.shutdownTimeout
	if err != nil {
		// Fatal errors skip whatever is still queued.
		grace = 0
	}
	if !pool.Shutdown(grace) && err == nil {
		logger.Warn("worker pool did not drain in time, cancelled outstanding fetches")
	}
	return err
}

// run is the state of one Execute call. Only the goroutine running traverse
// touches task and the frontier. Workers read visited and the immutable fields.
type run struct {
	orchestrator *Orchestrator
	task         *types.CrawlTask
	taskID       int64
	maxDepth     int
	filter       *URLFilter
	visited      *visitedSet
	pool         *WorkerPool
	results      chan visitResult
	logger       *slog.Logger
}

type visitResult struct {
	item     crawlItem
	status   types.PageStatus
	children []string
	err      error
	skipped  bool
}

// traverse drives both strategies. BFS marks URLs visited when they are queued and
// keeps up to maxInFlight fetches running. DFS marks on pop and waits for each fetch.
func (r *run) traverse(ctx context.Context, fr frontier, maxInFlight int, markOnPop bool) error {
	seed := crawlItem{url: r.task.SeedURL, depth: 0}
	if !markOnPop {
		r.visited.Add(seed.url)
	}
	fr.push(seed)

	inFlight := 0
	for fr.len() > 0 || inFlight > 0 {
		for fr.len() > 0 && inFlight < maxInFlight {
			item, _ := fr.pop()
			if markOnPop && !r.visited.Add(item.url) {
				continue
			}
			if err := r.submit(ctx, item); err != nil {
				return err
			}
			inFlight++
		}
		if inFlight == 0 {
			continue
		}

		var res visitResult
		select {
		case res = <-r.results:
		case <-ctx.Done():
			return fmt.Errorf("crawl interrupted: %w", ctx.Err())
		}
		inFlight--
		if err := r.reap(res, fr, markOnPop); err != nil {
			return err
		}
	drain:
		for inFlight > 0 {
			select {
			case res = <-r.results:
				inFlight--
				if err := r.reap(res, fr, markOnPop); err != nil {
					return err
				}
			default:
				break drain
			}
		}

		r.task.TotalPages = r.visited.Len()
		if err := r.orchestrator.tasks.UpdateTask(ctx, r.task); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
	}
	r.task.TotalPages = r.visited.Len()
	return nil
}

func (r *run) submit(ctx context.Context, item crawlItem) error {
	err := r.pool.Submit(ctx, func(workerCtx context.Context) {
		r.results <- r.safeVisit(workerCtx, item)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", item.url, err)
	}
	return nil
}

// reap folds a finished visit into the task and schedules its children.
func (r *run) reap(res visitResult, fr frontier, markOnPop bool) error {
	if res.err != nil {
		return res.err
	}
	if res.skipped {
		return nil
	}
	switch res.status {
	case types.PageSuccess:
		r.task.SuccessPages++
	case types.PageFailed:
		r.task.FailedPages++
	}

	childDepth := res.item.depth + 1
	if childDepth >= r.maxDepth {
		return nil
	}
	next := make([]crawlItem, 0, len(res.children))
	for _, child := range res.children {
		if markOnPop {
			if r.visited.Contains(child) {
				continue
			}
		} else if !r.visited.Add(child) {
			continue
		}
		next = append(next, crawlItem{url: child, depth: childDepth})
	}
	fr.push(next...)
	return nil
}

// safeVisit turns a panic in the visit into a fatal result for the run.
func (r *run) safeVisit(ctx context.Context, item crawlItem) (res visitResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("visit panicked", "url", item.url, "panic", p)
			res = visitResult{item: item, err: fmt.Errorf("visit %s panicked: %v", item.url, p)}
		}
	}()
	return r.visit(ctx, item)
}

// visit fetches one URL and records the outcome. A fetch failure is recorded and
// ends this branch; a failure to record it is fatal for the run.
func (r *run) visit(ctx context.Context, item crawlItem) visitResult {
	if item.depth >= r.maxDepth {
		return visitResult{item: item, skipped: true}
	}

	page, fetchErr := r.orchestrator.fetcher.Fetch(ctx, item.url)
	now := r.orchestrator.now()
	rec := &types.PageRecord{
		TaskID:    r.taskID,
		URL:       item.url,
		Depth:     item.depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if fetchErr != nil || page == nil {
		if fetchErr == nil {
			fetchErr = errors.New("fetcher returned no page")
		}
		rec.Status = types.PageFailed
		rec.ErrorMessage = fetchErr.Error()
		r.logger.Warn("fetch failed", "url", item.url, "depth", item.depth, "error", fetchErr)
		if err := r.orchestrator.pages.SavePage(ctx, rec); err != nil {
			return visitResult{item: item, err: fmt.Errorf("save page %s: %w", item.url, err)}
		}
		return visitResult{item: item, status: types.PageFailed}
	}

	rec.Status = types.PageSuccess
	rec.Title = page.Title
	rec.FinalURL = page.FinalURL
	rec.Content = page.Content
	if err := r.orchestrator.pages.SavePage(ctx, rec); err != nil {
		return visitResult{item: item, err: fmt.Errorf("save page %s: %w", item.url, err)}
	}
	r.logger.Debug("page crawled", "url", item.url, "depth", item.depth, "links", len(page.Links))

	var children []string
	for _, link := range r.filter.Filter(page.Links) {
		if !r.visited.Contains(link) {
			children = append(children, link)
		}
	}
	return visitResult{item: item, status: types.PageSuccess, children: children}
}
