//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/state"
)

func setupIntegrationStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "facetrace_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/facetrace_test?sslmode=disable", host, port.Port())

	store, err := Open(ctx, PoolConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestIntegration_DetectionLifecycle(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	for _, frame := range []int{50, 20} {
		require.NoError(t, store.InsertDetection(ctx, &state.Detection{
			VideoFilename:  "clip.mp4",
			FrameNumber:    frame,
			Timestamp:      "0:00:01",
			Similarity:     0.9,
			MatchImagePath: fmt.Sprintf("clip_F%d_00000000.jpg", frame),
			Embedding:      match.Embedding{0.6, 0.8},
		}))
	}

	got, err := store.ListByVideo(ctx, "clip.mp4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20, got[0].FrameNumber)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, []float32(got[0].Embedding), 1e-6)

	videos, err := store.ListVideos(ctx)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, 2, videos[0].Detections)

	n, err := store.DeleteByVideo(ctx, "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
