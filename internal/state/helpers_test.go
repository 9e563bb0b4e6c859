package state

import (
	"path/filepath"
	"testing"

	"github.com/vzahanych/facetrace/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	mgr, err := NewManager(filepath.Join(t.TempDir(), "db", "facetrace.db"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
