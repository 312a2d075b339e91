package api

import (
	"kbcrawler/pkg/types"
)

// CreateTaskRequest captures the payload used to register a crawl task.
// Zero values for depth, strategy and concurrency select the configured defaults.
type CreateTaskRequest struct {
	KnowledgeBaseID int64  `json:"kb_id"`
	StartURL        string `json:"start_url"`
	URLPattern      string `json:"url_pattern,omitempty"`
	MaxDepth        int    `json:"max_depth,omitempty"`
	CrawlStrategy   string `json:"crawl_strategy,omitempty"`
	ConcurrentLimit int    `json:"concurrent_limit,omitempty"`
	CreatedBy       int64  `json:"created_by,omitempty"`
}

// ProgressResponse is a task together with the pages recorded so far.
type ProgressResponse struct {
	Task         *types.CrawlTask    `json:"task"`
	PendingPages int                 `json:"pending_pages"`
	Pages        []*types.PageRecord `json:"pages"`
}

// TaskListResponse wraps a knowledge base's tasks.
type TaskListResponse struct {
	KnowledgeBaseID int64              `json:"kb_id"`
	Tasks           []*types.CrawlTask `json:"tasks"`
}
