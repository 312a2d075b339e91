package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	pq "github.com/lib/pq"

	"kbcrawler/internal/config"
	"kbcrawler/pkg/types"
)

// SQLStore persists tasks and page records in Postgres.
// Both the lib/pq ("postgres") and pgx ("pgx") drivers are supported.
type SQLStore struct {
	db          *sqlx.DB
	autoMigrate bool
}

// NewSQLStore opens the database described by cfg, creating it and the schema when asked to.
func NewSQLStore(ctx context.Context, cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		db, err = sqlx.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &SQLStore{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, kb_id, start_url, COALESCE(url_pattern, '') AS url_pattern, max_depth,
    crawl_strategy, concurrent_limit, status, total_pages, success_pages, failed_pages,
    COALESCE(error_message, '') AS error_message, created_by, started_at, completed_at,
    created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *types.CrawlTask) error {
	if task == nil {
		return errors.New("create task: nil task")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	query := `
        INSERT INTO crawl_tasks (kb_id, start_url, url_pattern, max_depth, crawl_strategy,
            concurrent_limit, status, total_pages, success_pages, failed_pages, error_message,
            created_by, started_at, completed_at, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
        RETURNING id
    `
	err := s.withSchemaRetry(ctx, func() error {
		return s.db.QueryRowxContext(ctx, query,
			task.KnowledgeBaseID,
			task.SeedURL,
			nullString(task.URLPattern),
			task.MaxDepth,
			string(task.Strategy),
			task.ConcurrencyLimit,
			string(task.Status),
			task.TotalPages,
			task.SuccessPages,
			task.FailedPages,
			nullString(task.ErrorMessage),
			task.CreatedBy,
			task.StartedAt,
			task.CompletedAt,
			task.CreatedAt,
			task.UpdatedAt,
		).Scan(&task.ID)
	})
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id int64) (*types.CrawlTask, error) {
	task := &types.CrawlTask{}
	query := `SELECT ` + taskColumns + ` FROM crawl_tasks WHERE id = $1`
	if err := s.db.GetContext(ctx, task, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *types.CrawlTask) error {
	if task == nil {
		return errors.New("update task: nil task")
	}
	task.UpdatedAt = time.Now().UTC()
	query := `
        UPDATE crawl_tasks SET
            url_pattern = $2,
            max_depth = $3,
            crawl_strategy = $4,
            concurrent_limit = $5,
            status = $6,
            total_pages = $7,
            success_pages = $8,
            failed_pages = $9,
            error_message = $10,
            started_at = $11,
            completed_at = $12,
            updated_at = $13
        WHERE id = $1
    `
	res, err := s.db.ExecContext(ctx, query,
		task.ID,
		nullString(task.URLPattern),
		task.MaxDepth,
		string(task.Strategy),
		task.ConcurrencyLimit,
		string(task.Status),
		task.TotalPages,
		task.SuccessPages,
		task.FailedPages,
		nullString(task.ErrorMessage),
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %d: %w", task.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, kbID int64) ([]*types.CrawlTask, error) {
	tasks := []*types.CrawlTask{}
	query := `SELECT ` + taskColumns + ` FROM crawl_tasks WHERE kb_id = $1 ORDER BY created_at DESC, id DESC`
	if err := s.db.SelectContext(ctx, &tasks, query, kbID); err != nil {
		return nil, fmt.Errorf("list tasks for kb %d: %w", kbID, err)
	}
	return tasks, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crawl_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// withSchemaRetry re-applies the schema once when a statement hits a missing table.
func (s *SQLStore) withSchemaRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !s.autoMigrate || !isUndefinedTableErr(err) {
		return err
	}
	if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("ensure schema: %w", schemaErr)
	}
	return fn()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawl_tasks (
		    id BIGSERIAL PRIMARY KEY,
		    kb_id BIGINT NOT NULL,
		    start_url TEXT NOT NULL,
		    url_pattern TEXT,
		    max_depth INT NOT NULL,
		    crawl_strategy VARCHAR(8) NOT NULL,
		    concurrent_limit INT NOT NULL,
		    status VARCHAR(16) NOT NULL,
		    total_pages INT NOT NULL DEFAULT 0,
		    success_pages INT NOT NULL DEFAULT 0,
		    failed_pages INT NOT NULL DEFAULT 0,
		    error_message TEXT,
		    created_by BIGINT NOT NULL DEFAULT 0,
		    started_at TIMESTAMPTZ,
		    completed_at TIMESTAMPTZ,
		    created_at TIMESTAMPTZ NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_tasks_kb ON crawl_tasks (kb_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS crawl_pages (
		    id BIGSERIAL PRIMARY KEY,
		    task_id BIGINT NOT NULL,
		    url TEXT NOT NULL,
		    final_url TEXT,
		    title TEXT,
		    content TEXT,
		    status VARCHAR(16) NOT NULL,
		    error_message TEXT,
		    depth INT NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_crawl_pages_task_url ON crawl_pages (task_id, url)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_pages_order ON crawl_pages (task_id, depth, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func shouldAttemptCreateDatabase(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "3d000") || strings.Contains(lower, "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sqlx.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		if hasSQLState(err, "42P04") {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

// hasSQLState matches a Postgres error code for either driver.
func hasSQLState(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return strings.Contains(err.Error(), "SQLSTATE "+code)
}

func isUndefinedTableErr(err error) bool {
	if hasSQLState(err, "42P01") {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}

func isUniqueViolation(err error) bool {
	return hasSQLState(err, "23505")
}
