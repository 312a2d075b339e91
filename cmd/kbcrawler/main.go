package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"kbcrawler/internal/api"
	"kbcrawler/internal/config"
	"kbcrawler/internal/crawler"
	"kbcrawler/internal/fetcher"
	"kbcrawler/internal/logging"
	"kbcrawler/internal/storage"
	"kbcrawler/pkg/types"
)

type result struct {
	Task  *types.CrawlTask    `json:"task"`
	Pages []*types.PageRecord `json:"pages"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run crawls one seed and prints the task with its pages as JSON. The exit
// code is returned so deferred cleanup runs before the process exits.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kbcrawler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to YAML configuration (environment only when empty)")
	seed := fs.String("url", "", "Seed URL to crawl")
	pattern := fs.String("pattern", "", "Regular expression a discovered URL must fully match")
	depth := fs.Int("depth", 0, "Maximum depth, 0 for the configured default")
	strategy := fs.String("strategy", "", "BFS or DFS")
	concurrency := fs.Int("concurrency", 0, "Concurrent fetches, 0 for the configured default")
	kbID := fs.Int64("kb", 0, "Knowledge base id recorded on the task")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *seed == "" {
		fmt.Fprintln(stderr, "-url is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger, err := logging.NewWithWriter(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise logger: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := storage.Open(ctx, *cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open storage: %v\n", err)
		return 1
	}
	defer stores.Close()

	f, err := fetcher.New(*cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise fetcher: %v\n", err)
		return 1
	}
	orchestrator := crawler.New(f, stores.Tasks, stores.Pages,
		crawler.WithLogger(logger),
		crawler.WithShutdownTimeout(cfg.Orchestrator.ShutdownTimeout.Duration),
	)

	service := api.NewTaskService(ctx, stores.Tasks, stores.Pages, orchestrator, cfg.Tasks, 1, logger)
	task, err := service.CreateTask(ctx, api.CreateTaskRequest{
		KnowledgeBaseID: *kbID,
		StartURL:        *seed,
		URLPattern:      *pattern,
		MaxDepth:        *depth,
		CrawlStrategy:   *strategy,
		ConcurrentLimit: *concurrency,
	})
	if err != nil {
		fmt.Fprintf(stderr, "invalid task: %v\n", err)
		return 2
	}

	runErr := orchestrator.Execute(ctx, task)

	pages, err := stores.Pages.ListPages(context.WithoutCancel(ctx), task.ID)
	if err != nil {
		fmt.Fprintf(stderr, "failed to list pages: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result{Task: task, Pages: pages}); err != nil {
		fmt.Fprintf(stderr, "failed to write result: %v\n", err)
		return 1
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "crawl failed: %v\n", runErr)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
