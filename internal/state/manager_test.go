package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_InsertAndList(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	for _, frame := range []int{50, 20} {
		d := &Detection{
			VideoFilename:  "clip.mp4",
			FrameNumber:    frame,
			Timestamp:      "0:00:02",
			Similarity:     0.85,
			MatchImagePath: "clip_F20_ab12cd34.jpg",
		}
		require.NoError(t, mgr.InsertDetection(ctx, d))
		assert.NotZero(t, d.ID)
		assert.False(t, d.ProcessedAt.IsZero())
	}

	got, err := mgr.ListByVideo(ctx, "clip.mp4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20, got[0].FrameNumber)
	assert.Equal(t, 50, got[1].FrameNumber)
	assert.Equal(t, "0:00:02", got[0].Timestamp)
	assert.InDelta(t, 0.85, got[0].Similarity, 1e-9)
	assert.False(t, got[0].ProcessedAt.IsZero())
}

func TestManager_ListByVideo_Empty(t *testing.T) {
	mgr := setupTestManager(t)

	got, err := mgr.ListByVideo(context.Background(), "unknown.mp4")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestManager_ListVideos(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	rows := []Detection{
		{VideoFilename: "b.mp4", FrameNumber: 10, Timestamp: "0:00:00", Similarity: 0.71, MatchImagePath: "x.jpg"},
		{VideoFilename: "a.mp4", FrameNumber: 5, Timestamp: "0:00:00", Similarity: 0.80, MatchImagePath: "y.jpg"},
		{VideoFilename: "a.mp4", FrameNumber: 95, Timestamp: "0:00:03", Similarity: 0.93, MatchImagePath: "z.jpg"},
	}
	for i := range rows {
		require.NoError(t, mgr.InsertDetection(ctx, &rows[i]))
	}

	videos, err := mgr.ListVideos(ctx)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, VideoSummary{VideoFilename: "a.mp4", Detections: 2, BestSimilarity: 0.93, FirstFrame: 5, LastFrame: 95}, videos[0])
	assert.Equal(t, "b.mp4", videos[1].VideoFilename)
}

func TestManager_DeleteByVideo(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"a.mp4", "a.mp4", "b.mp4"} {
		require.NoError(t, mgr.InsertDetection(ctx, &Detection{
			VideoFilename: name, Timestamp: "0:00:00", Similarity: 0.9, MatchImagePath: "m.jpg",
		}))
	}

	n, err := mgr.DeleteByVideo(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := mgr.ListByVideo(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	other, err := mgr.ListByVideo(ctx, "b.mp4")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	n, err = mgr.DeleteByVideo(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_ReopenKeepsRows(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()
	path := mgr.db.Path()

	require.NoError(t, mgr.InsertDetection(ctx, &Detection{
		VideoFilename: "a.mp4", FrameNumber: 1, Timestamp: "0:00:00", Similarity: 0.9, MatchImagePath: "m.jpg",
	}))
	require.NoError(t, mgr.Close())

	reopened, err := NewManager(path, mgr.logger)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ListByVideo(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, reopened.Ping(ctx))
}

func TestOpenDatabase_AppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "facetrace.db")

	db, err := OpenDatabase(path)
	require.NoError(t, err)
	assert.Equal(t, uint(1), db.SchemaVersion())

	var name string
	require.NoError(t, db.DB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'detections'`,
	).Scan(&name))
	assert.Equal(t, "detections", name)
	require.NoError(t, db.Close())

	again, err := OpenDatabase(path)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, uint(1), again.SchemaVersion())
}
