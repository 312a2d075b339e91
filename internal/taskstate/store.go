package taskstate

import (
	"context"
	"time"

	"kbcrawler/pkg/types"
)

// Snapshot is the lightweight progress view of a task kept outside the database,
// so dashboards can poll running crawls without touching Postgres.
type Snapshot struct {
	TaskID       int64            `json:"task_id"`
	KBID         int64            `json:"kb_id"`
	SeedURL      string           `json:"start_url"`
	Strategy     types.Strategy   `json:"crawl_strategy"`
	Status       types.TaskStatus `json:"status"`
	TotalPages   int              `json:"total_pages"`
	SuccessPages int              `json:"success_pages"`
	FailedPages  int              `json:"failed_pages"`
	PendingPages int              `json:"pending_pages"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// FromTask builds a snapshot of task's current state.
func FromTask(task *types.CrawlTask) Snapshot {
	return Snapshot{
		TaskID:       task.ID,
		KBID:         task.KnowledgeBaseID,
		SeedURL:      task.SeedURL,
		Strategy:     task.Strategy,
		Status:       task.Status,
		TotalPages:   task.TotalPages,
		SuccessPages: task.SuccessPages,
		FailedPages:  task.FailedPages,
		PendingPages: task.PendingPages(),
		ErrorMessage: task.ErrorMessage,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
		UpdatedAt:    task.UpdatedAt,
	}
}

// Store persists snapshots. Readers consume them straight from the backend.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, taskID int64) error
	Close() error
}
