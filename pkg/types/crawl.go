package types

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a crawl task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// PageStatus is the outcome of a single page visit.
type PageStatus string

const (
	PageSuccess PageStatus = "SUCCESS"
	PageFailed  PageStatus = "FAILED"
)

// Strategy selects the traversal order of a crawl.
type Strategy string

const (
	StrategyBFS Strategy = "BFS"
	StrategyDFS Strategy = "DFS"
)

// ParseStrategy maps user input onto a Strategy. Anything that is not DFS is BFS.
func ParseStrategy(raw string) Strategy {
	if strings.EqualFold(strings.TrimSpace(raw), string(StrategyDFS)) {
		return StrategyDFS
	}
	return StrategyBFS
}

// CrawlTask is one crawl job: its configuration and its evolving progress.
type CrawlTask struct {
	ID               int64      `json:"id" db:"id"`
	KnowledgeBaseID  int64      `json:"kb_id" db:"kb_id"`
	SeedURL          string     `json:"start_url" db:"start_url"`
	URLPattern       string     `json:"url_pattern,omitempty" db:"url_pattern"`
	MaxDepth         int        `json:"max_depth" db:"max_depth"`
	Strategy         Strategy   `json:"crawl_strategy" db:"crawl_strategy"`
	ConcurrencyLimit int        `json:"concurrent_limit" db:"concurrent_limit"`
	Status           TaskStatus `json:"status" db:"status"`
	TotalPages       int        `json:"total_pages" db:"total_pages"`
	SuccessPages     int        `json:"success_pages" db:"success_pages"`
	FailedPages      int        `json:"failed_pages" db:"failed_pages"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	CreatedBy        int64      `json:"created_by,omitempty" db:"created_by"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// PendingPages is the number of discovered pages without an outcome yet.
func (t *CrawlTask) PendingPages() int {
	pending := t.TotalPages - t.SuccessPages - t.FailedPages
	if pending < 0 {
		return 0
	}
	return pending
}

// Clone returns a copy that shares no pointers with t.
func (t *CrawlTask) Clone() *CrawlTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// PageRecord is the persisted outcome of visiting one URL within a task.
type PageRecord struct {
	ID           int64      `json:"id" db:"id"`
	TaskID       int64      `json:"crawl_task_id" db:"task_id"`
	URL          string     `json:"url" db:"url"`
	FinalURL     string     `json:"final_url,omitempty" db:"final_url"`
	Title        string     `json:"title,omitempty" db:"title"`
	Content      string     `json:"content,omitempty" db:"content"`
	Status       PageStatus `json:"status" db:"status"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	Depth        int        `json:"depth" db:"depth"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Page represents the fetched and extracted content of one URL.
type Page struct {
	URL         string        `json:"url"`
	FinalURL    string        `json:"final_url"`
	Title       string        `json:"title"`
	Content     string        `json:"content"`
	Links       []string      `json:"links"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Latency     time.Duration `json:"latency"`
	Rendered    bool          `json:"rendered"`
}
