package db

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTestStore opens a migrated history store in t.TempDir() and closes it
// when the test ends.
func OpenTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
