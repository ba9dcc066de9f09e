package testutil

import (
	"testing"
)

// TempDataDir returns a throwaway data directory for daemon-level tests.
func TempDataDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
