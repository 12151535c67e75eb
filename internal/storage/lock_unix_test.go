//go:build unix

package storage

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestStore_DirectoryLock(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir, testConfig()); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked while the store is open, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir, testConfig())
	if err != nil {
		t.Fatalf("expected open after close to succeed, got %v", err)
	}
	s.Close()
}
