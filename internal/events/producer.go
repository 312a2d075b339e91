package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"kbcrawler/pkg/types"
)

// PageEvent announces a persisted page record to downstream consumers
// such as the knowledge-base ingestion pipeline.
type PageEvent struct {
	EventID      string           `json:"event_id"`
	TaskID       int64            `json:"task_id"`
	PageID       int64            `json:"page_id"`
	URL          string           `json:"url"`
	FinalURL     string           `json:"final_url,omitempty"`
	Title        string           `json:"title,omitempty"`
	Content      string           `json:"content,omitempty"`
	Status       types.PageStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Depth        int              `json:"depth"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// PagePublisher publishes page events.
type PagePublisher interface {
	PublishPage(ctx context.Context, rec *types.PageRecord) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes page events to a Kafka topic, keyed by task so a task's pages stay ordered.
type Producer struct {
	writer  messageWriter
	timeout time.Duration
}

// NewProducer creates a Kafka producer for the given brokers and topic.
// Each PublishPage blocks until its batch flushes, so batchTimeout caps the
// latency a single page write adds to a crawl.
func NewProducer(brokers []string, topic string, timeout, batchTimeout time.Duration) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           batchTimeout,
			AllowAutoTopicCreation: false,
		},
		timeout: timeout,
	}
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer messageWriter) *Producer {
	return &Producer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishPage encodes rec as a PageEvent and writes it.
func (p *Producer) PublishPage(ctx context.Context, rec *types.PageRecord) error {
	evt := PageEvent{
		EventID:      uuid.NewString(),
		TaskID:       rec.TaskID,
		PageID:       rec.ID,
		URL:          rec.URL,
		FinalURL:     rec.FinalURL,
		Title:        rec.Title,
		Content:      rec.Content,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
		Depth:        rec.Depth,
		OccurredAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode page event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(rec.TaskID, 10)),
		Value: payload,
		Time:  evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish page event: %w", err)
	}
	return nil
}
