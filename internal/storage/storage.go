package storage

import (
	"context"
	"errors"

	"kbcrawler/pkg/types"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicatePage is returned when a task already has a record for the URL.
	ErrDuplicatePage = errors.New("page already recorded for task")
)

// TaskStore persists crawl tasks.
type TaskStore interface {
	// CreateTask inserts task and assigns its ID.
	CreateTask(ctx context.Context, task *types.CrawlTask) error
	GetTask(ctx context.Context, id int64) (*types.CrawlTask, error)
	// UpdateTask overwrites the stored configuration, status, counters and timestamps.
	UpdateTask(ctx context.Context, task *types.CrawlTask) error
	// ListTasks returns a knowledge base's tasks, newest first.
	ListTasks(ctx context.Context, kbID int64) ([]*types.CrawlTask, error)
	DeleteTask(ctx context.Context, id int64) error
}

// PageStore persists page records. Records are append-only.
type PageStore interface {
	// SavePage inserts rec and assigns its ID.
	SavePage(ctx context.Context, rec *types.PageRecord) error
	// ListPages returns a task's records ordered by depth, then creation time.
	ListPages(ctx context.Context, taskID int64) ([]*types.PageRecord, error)
	DeletePages(ctx context.Context, taskID int64) error
}
