package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdev/labdev/internal/common/logger"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

func newTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	a, err := NewSQLiteArchive(filepath.Join(t.TempDir(), "archive.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func terminatedSession(id, owner string) *v1.LabSession {
	now := time.Now().UTC().Truncate(time.Second)
	terminated := now.Add(time.Hour)
	return &v1.LabSession{
		ID:            id,
		OwnerID:       owner,
		CourseID:      "go-101",
		Profile:       "simple",
		State:         v1.SessionStateTerminated,
		FailureReason: "",
		Health: map[string]v1.HealthStatus{
			"editor": {Status: v1.ServiceHealthy},
		},
		CreatedAt:    now,
		TerminatedAt: &terminated,
	}
}

func TestArchive_RecordAndGet(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	sess := terminatedSession("sess-1", "alice")
	require.NoError(t, a.Record(ctx, sess))

	got, err := a.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, v1.SessionStateTerminated, got.State)
	require.NotNil(t, got.TerminatedAt)
	assert.Equal(t, v1.ServiceHealthy, got.Health["editor"].Status)
}

func TestArchive_RecordIsIdempotent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	sess := terminatedSession("sess-1", "alice")
	require.NoError(t, a.Record(ctx, sess))

	sess.FailureReason = "filled in on retry"
	require.NoError(t, a.Record(ctx, sess))

	got, err := a.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "filled in on retry", got.FailureReason)

	list, err := a.ListByOwner(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "re-recording must not duplicate")
}

func TestArchive_GetUnknown(t *testing.T) {
	a := newTestArchive(t)

	_, err := a.Get(context.Background(), "no-such-id")
	assert.Error(t, err)
}

func TestArchive_ListByOwner(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, terminatedSession("sess-1", "alice")))
	require.NoError(t, a.Record(ctx, terminatedSession("sess-2", "alice")))
	require.NoError(t, a.Record(ctx, terminatedSession("sess-3", "bob")))

	list, err := a.ListByOwner(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = a.ListByOwner(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestArchive_PurgeOlderThan(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, terminatedSession("sess-1", "alice")))

	// Nothing is old enough yet.
	n, err := a.PurgeOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.PurgeOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = a.Get(ctx, "sess-1")
	assert.Error(t, err)
}
