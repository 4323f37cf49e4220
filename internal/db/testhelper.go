package db

import (
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a migrated document in t.TempDir() and closes it
// when the test ends.
func OpenTestSQLite(t *testing.T) *Pair {
	t.Helper()
	p, err := OpenDocument(filepath.Join(t.TempDir(), "doc.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test document: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}
