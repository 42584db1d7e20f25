package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katsubs/dispatchd/internal/protocol"
	"github.com/katsubs/dispatchd/internal/storage"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRecordAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := &protocol.Task{
		UUID:   "job-1",
		Name:   "jobs.tasks.run_job",
		Kwargs: map[string]any{"job_id": 7},
		GUID:   "g-1",
	}
	require.NoError(t, s.Record(ctx, task))

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "jobs.tasks.run_job", j.Task)
	assert.Equal(t, StatusDispatched, j.Status)
	assert.Equal(t, "g-1", j.GUID)
	assert.NotEmpty(t, j.Payload)
	assert.Nil(t, j.CompletedAt)
}

func TestRecordRequiresUUID(t *testing.T) {
	s := setupStore(t)
	assert.Error(t, s.Record(context.Background(), &protocol.Task{Name: "x"}))
	assert.Error(t, s.Record(context.Background(), nil))
}

func TestReapFailed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, &protocol.Task{UUID: "job-2", Name: "jobs.tasks.run_job"}))
	require.NoError(t, s.ReapFailed(ctx, "job-2", "worker pid:123 is gone"))

	j, err := s.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "gone")
	assert.NotNil(t, j.CompletedAt)
}

func TestReapFailedUnknownJob(t *testing.T) {
	s := setupStore(t)
	err := s.ReapFailed(context.Background(), "missing", "reason")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMarkSucceeded(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, &protocol.Task{UUID: "job-3", Name: "jobs.tasks.noop"}))
	require.NoError(t, s.MarkSucceeded(ctx, "job-3"))

	j, err := s.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Nil(t, j.LastError)
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
