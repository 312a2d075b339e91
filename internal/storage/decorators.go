package storage

import (
	"context"
	"log/slog"

	"kbcrawler/internal/events"
	"kbcrawler/internal/taskstate"
	"kbcrawler/pkg/types"
)

// SnapshotTaskStore mirrors every task write into a snapshot store.
// Snapshot failures are logged and never fail the write.
type SnapshotTaskStore struct {
	TaskStore
	snapshots taskstate.Store
	logger    *slog.Logger
}

// NewSnapshotTaskStore wraps inner.
func NewSnapshotTaskStore(inner TaskStore, snapshots taskstate.Store, logger *slog.Logger) *SnapshotTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotTaskStore{TaskStore: inner, snapshots: snapshots, logger: logger}
}

func (s *SnapshotTaskStore) CreateTask(ctx context.Context, task *types.CrawlTask) error {
	if err := s.TaskStore.CreateTask(ctx, task); err != nil {
		return err
	}
	s.mirror(ctx, task)
	return nil
}

func (s *SnapshotTaskStore) UpdateTask(ctx context.Context, task *types.CrawlTask) error {
	if err := s.TaskStore.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.mirror(ctx, task)
	return nil
}

func (s *SnapshotTaskStore) DeleteTask(ctx context.Context, id int64) error {
	if err := s.TaskStore.DeleteTask(ctx, id); err != nil {
		return err
	}
	if err := s.snapshots.Remove(ctx, id); err != nil {
		s.logger.Warn("remove task snapshot failed", "task_id", id, "error", err)
	}
	return nil
}

func (s *SnapshotTaskStore) mirror(ctx context.Context, task *types.CrawlTask) {
	if err := s.snapshots.Save(ctx, taskstate.FromTask(task)); err != nil {
		s.logger.Warn("save task snapshot failed", "task_id", task.ID, "error", err)
	}
}

// PublishingPageStore announces every saved page record.
// Publish failures are logged; the record is already durable.
type PublishingPageStore struct {
	PageStore
	publisher events.PagePublisher
	logger    *slog.Logger
}

// NewPublishingPageStore wraps inner.
func NewPublishingPageStore(inner PageStore, publisher events.PagePublisher, logger *slog.Logger) *PublishingPageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingPageStore{PageStore: inner, publisher: publisher, logger: logger}
}

func (p *PublishingPageStore) SavePage(ctx context.Context, rec *types.PageRecord) error {
	if err := p.PageStore.SavePage(ctx, rec); err != nil {
		return err
	}
	if err := p.publisher.PublishPage(ctx, rec); err != nil {
		p.logger.Warn("publish page event failed", "task_id", rec.TaskID, "url", rec.URL, "error", err)
	}
	return nil
}
