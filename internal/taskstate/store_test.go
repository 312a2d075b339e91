package taskstate

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"kbcrawler/pkg/types"
)

func TestFromTask(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &types.CrawlTask{
		ID:              3,
		KnowledgeBaseID: 8,
		SeedURL:         "https://example.com",
		Strategy:        types.StrategyDFS,
		Status:          types.TaskRunning,
		TotalPages:      10,
		SuccessPages:    4,
		FailedPages:     1,
		StartedAt:       &started,
	}

	snap := FromTask(task)
	assert.Equal(t, int64(3), snap.TaskID)
	assert.Equal(t, int64(8), snap.KBID)
	assert.Equal(t, types.TaskRunning, snap.Status)
	assert.Equal(t, 5, snap.PendingPages)
	assert.Equal(t, &started, snap.StartedAt)
}

func TestRedisStoreDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	store := NewRedisStoreWithClient(client, RedisConfig{})
	assert.Equal(t, "kbcrawler:task:17", store.key(17))
	assert.Equal(t, defaultRedisTimeout, store.timeout)

	store = NewRedisStoreWithClient(client, RedisConfig{KeyPrefix: "kb:", TTL: time.Minute})
	assert.Equal(t, "kb:17", store.key(17))
	assert.Equal(t, time.Minute, store.ttl)
}
