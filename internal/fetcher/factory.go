package fetcher

import (
	"fmt"
	"log/slog"

	"kbcrawler/internal/config"
)

// New builds the fetcher selected by cfg.Fetcher.Engine.
func New(cfg config.Config, logger *slog.Logger) (Fetcher, error) {
	httpFetcher, err := NewHTTPFetcher(Options{
		UserAgent:           cfg.Fetcher.UserAgent,
		Headers:             cfg.Fetcher.Headers,
		Timeout:             cfg.Fetcher.Timeout.Duration,
		MaxRedirects:        cfg.Fetcher.MaxRedirects,
		MaxBodyBytes:        cfg.Fetcher.MaxBodyBytes,
		ProxyURL:            cfg.Fetcher.ProxyURL,
		ReadabilityFallback: cfg.Fetcher.ReadabilityFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	switch cfg.Fetcher.Engine {
	case config.EngineHTTP, "":
		return httpFetcher, nil
	case config.EngineChromedp:
		renderer := NewChromedpFetcher(RenderOptions{
			Timeout:             cfg.Rendering.Timeout.Duration,
			WaitForSelector:     cfg.Rendering.WaitForSelector,
			UserAgent:           cfg.Fetcher.UserAgent,
			MaxBodyBytes:        cfg.Fetcher.MaxBodyBytes,
			DisableHeadless:     cfg.Rendering.DisableHeadless,
			ConcurrentSessions:  cfg.Rendering.ConcurrentSessions,
			ReadabilityFallback: cfg.Fetcher.ReadabilityFallback,
		}, logger)
		return NewComposite(renderer, httpFetcher, logger), nil
	default:
		return nil, fmt.Errorf("unsupported fetcher engine %q", cfg.Fetcher.Engine)
	}
}
