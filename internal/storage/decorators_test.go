package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawler/internal/logging"
	"kbcrawler/internal/taskstate"
	"kbcrawler/pkg/types"
)

type memorySnapshots struct {
	saved   map[int64]taskstate.Snapshot
	failing bool
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{saved: make(map[int64]taskstate.Snapshot)}
}

func (m *memorySnapshots) Save(ctx context.Context, snap taskstate.Snapshot) error {
	if m.failing {
		return errors.New("redis down")
	}
	m.saved[snap.TaskID] = snap
	return nil
}

func (m *memorySnapshots) Remove(ctx context.Context, id int64) error {
	delete(m.saved, id)
	return nil
}

func (m *memorySnapshots) Close() error { return nil }

func TestSnapshotTaskStoreMirrorsWrites(t *testing.T) {
	ctx := context.Background()
	snaps := newMemorySnapshots()
	store := NewSnapshotTaskStore(NewMemoryStore(), snaps, logging.Discard())

	task := &types.CrawlTask{KnowledgeBaseID: 5, Status: types.TaskPending}
	require.NoError(t, store.CreateTask(ctx, task))

	task.Status = types.TaskRunning
	task.TotalPages = 4
	task.SuccessPages = 1
	require.NoError(t, store.UpdateTask(ctx, task))

	snap, ok := snaps.saved[task.ID]
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, snap.Status)
	assert.Equal(t, 3, snap.PendingPages)

	require.NoError(t, store.DeleteTask(ctx, task.ID))
	_, ok = snaps.saved[task.ID]
	assert.False(t, ok)
}

func TestSnapshotTaskStoreIgnoresSnapshotFailure(t *testing.T) {
	ctx := context.Background()
	snaps := newMemorySnapshots()
	snaps.failing = true
	store := NewSnapshotTaskStore(NewMemoryStore(), snaps, logging.Discard())

	task := &types.CrawlTask{Status: types.TaskPending}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.UpdateTask(ctx, task))
}

type recordingPublisher struct {
	published []*types.PageRecord
	err       error
}

func (r *recordingPublisher) PublishPage(ctx context.Context, rec *types.PageRecord) error {
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, rec)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublishingPageStore(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := NewPublishingPageStore(NewMemoryStore(), pub, logging.Discard())

	rec := &types.PageRecord{TaskID: 1, URL: "https://e.com/", Status: types.PageSuccess}
	require.NoError(t, store.SavePage(ctx, rec))
	require.Len(t, pub.published, 1)
	assert.NotZero(t, pub.published[0].ID)

	// a duplicate is rejected by the inner store and never announced
	err := store.SavePage(ctx, &types.PageRecord{TaskID: 1, URL: "https://e.com/"})
	assert.ErrorIs(t, err, ErrDuplicatePage)
	assert.Len(t, pub.published, 1)

	pub.err = errors.New("broker down")
	assert.NoError(t, store.SavePage(ctx, &types.PageRecord{TaskID: 1, URL: "https://e.com/x"}))
}
