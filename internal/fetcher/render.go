package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"kbcrawler/internal/processor"
	"kbcrawler/pkg/types"
)

// RenderOptions configures the headless browser.
type RenderOptions struct {
	Timeout             time.Duration
	WaitForSelector     string
	UserAgent           string
	MaxBodyBytes        int64
	DisableHeadless     bool
	ConcurrentSessions  int
	CaptureDelay        time.Duration
	ReadabilityFallback bool
}

// ChromedpFetcher renders pages in headless Chrome so script-built DOMs are crawlable.
type ChromedpFetcher struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpFetcher constructs a renderer with bounded concurrency.
func NewChromedpFetcher(opts RenderOptions, logger *slog.Logger) *ChromedpFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpFetcher{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    logger,
	}
}

// Fetch navigates to rawURL and extracts from the final DOM.
func (r *ChromedpFetcher) Fetch(parentCtx context.Context, rawURL string) (*types.Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(rawURL, 0, fmt.Errorf("parse url: %w", err))
	}

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return nil, newError(rawURL, 0, parentCtx.Err())
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	var html, finalURL string

	actions := []chromedp.Action{chromedp.Navigate(target.String())}
	if sel := strings.TrimSpace(r.opts.WaitForSelector); sel != "" {
		actions = append(actions,
			chromedp.WaitReady(sel, chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	} else {
		delay := r.opts.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		return nil, newError(rawURL, 0, fmt.Errorf("chromedp run: %w", err))
	}
	if int64(len(html)) > r.opts.MaxBodyBytes {
		return nil, newError(rawURL, 0, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, r.opts.MaxBodyBytes))
	}

	final := target
	if finalURL != "" {
		if u, err := url.Parse(finalURL); err == nil {
			final = u
		}
	}

	doc, err := processor.Parse([]byte(html), final, processor.Options{ReadabilityFallback: r.opts.ReadabilityFallback})
	if err != nil {
		return nil, newError(rawURL, 0, err)
	}

	latency := time.Since(start)
	r.logger.Debug("chromedp render complete",
		"url", rawURL,
		"final_url", final.String(),
		"latency_ms", latency.Milliseconds(),
		"html_bytes", len(html),
	)
	return &types.Page{
		URL:         rawURL,
		FinalURL:    final.String(),
		Title:       doc.Title,
		Content:     doc.Content,
		Links:       doc.Links,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		FetchedAt:   time.Now(),
		Latency:     latency,
		Rendered:    true,
	}, nil
}
