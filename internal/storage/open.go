package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kbcrawler/internal/config"
	"kbcrawler/internal/events"
	"kbcrawler/internal/taskstate"
)

// Stores bundles the task and page stores selected by configuration.
type Stores struct {
	Tasks TaskStore
	Pages PageStore

	closers   []func() error
	closeOnce sync.Once
}

// Open builds the stores described by cfg. Without a DSN the in-memory store is used.
// Redis snapshots and Kafka page events are layered on when configured.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}

	if cfg.DB.DSN != "" {
		sqlStore, err := NewSQLStore(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		s.Tasks, s.Pages = sqlStore, sqlStore
		s.closers = append(s.closers, sqlStore.Close)
		logger.Info("using sql store", "driver", cfg.DB.Driver)
	} else {
		mem := NewMemoryStore()
		s.Tasks, s.Pages = mem, mem
		logger.Warn("no database configured, using in-memory store")
	}

	if cfg.Redis.Enabled() {
		snapshots, err := taskstate.NewRedisStore(ctx, taskstate.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL.Duration,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("task snapshots: %w", err)
		}
		s.Tasks = NewSnapshotTaskStore(s.Tasks, snapshots, logger)
		s.closers = append(s.closers, snapshots.Close)
		logger.Info("mirroring task progress to redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Kafka.Enabled() {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout.Duration, cfg.Kafka.BatchTimeout.Duration)
		s.Pages = NewPublishingPageStore(s.Pages, producer, logger)
		s.closers = append(s.closers, producer.Close)
		logger.Info("publishing page events to kafka", "topic", cfg.Kafka.Topic)
	}
	return s, nil
}

// Close releases every backend, in reverse order of opening.
func (s *Stores) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			err = errors.Join(err, s.closers[i]())
		}
	})
	return err
}
