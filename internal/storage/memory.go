package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kbcrawler/pkg/types"
)

// MemoryStore keeps tasks and page records in process memory.
// It is used when no database is configured and throughout the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	nextTaskID int64
	nextPageID int64
	tasks      map[int64]*types.CrawlTask
	pages      map[int64][]*types.PageRecord
	pageKeys   map[int64]map[string]struct{}
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[int64]*types.CrawlTask),
		pages:    make(map[int64][]*types.PageRecord),
		pageKeys: make(map[int64]map[string]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *types.CrawlTask) error {
	if task == nil {
		return fmt.Errorf("create task: nil task")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	task.ID = m.nextTaskID
	now := m.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id int64) (*types.CrawlTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, task *types.CrawlTask) error {
	if task == nil {
		return fmt.Errorf("update task: nil task")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("task %d: %w", task.ID, ErrNotFound)
	}
	task.UpdatedAt = m.now()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, kbID int64) ([]*types.CrawlTask, error) {
	m.mu.RLock()
	out := make([]*types.CrawlTask, 0)
	for _, task := range m.tasks {
		if task.KnowledgeBaseID == kbID {
			out = append(out, task.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) SavePage(ctx context.Context, rec *types.PageRecord) error {
	if rec == nil {
		return fmt.Errorf("save page: nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.pageKeys[rec.TaskID]
	if keys == nil {
		keys = make(map[string]struct{})
		m.pageKeys[rec.TaskID] = keys
	}
	if _, dup := keys[rec.URL]; dup {
		return fmt.Errorf("task %d: %w", rec.TaskID, ErrDuplicatePage)
	}
	keys[rec.URL] = struct{}{}
	m.nextPageID++
	rec.ID = m.nextPageID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	cp := *rec
	m.pages[rec.TaskID] = append(m.pages[rec.TaskID], &cp)
	return nil
}

func (m *MemoryStore) ListPages(ctx context.Context, taskID int64) ([]*types.PageRecord, error) {
	m.mu.RLock()
	src := m.pages[taskID]
	out := make([]*types.PageRecord, 0, len(src))
	for _, rec := range src {
		cp := *rec
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeletePages(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, taskID)
	delete(m.pageKeys, taskID)
	return nil
}
