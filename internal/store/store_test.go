package store

import (
	"testing"
	"time"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/node"
)

func TestInitCreatesLayoutIdempotently(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("second Init returned error: %v", err)
	}
}

func TestSaveLoadDeleteNode(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := node.Create(node.CreateInput{Type: node.TypeTask, Title: "Ship it"}, now)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	saved, err := s.SaveNode(n)
	if err != nil {
		t.Fatalf("SaveNode returned error: %v", err)
	}
	if saved.FilePath == "" {
		t.Fatalf("expected FilePath to be set")
	}

	loaded, err := s.LoadNode(n.ID)
	if err != nil {
		t.Fatalf("LoadNode returned error: %v", err)
	}
	if loaded.Title != n.Title {
		t.Fatalf("loaded title mismatch: got %q want %q", loaded.Title, n.Title)
	}

	deleted, err := s.DeleteNode(n.ID)
	if err != nil {
		t.Fatalf("DeleteNode returned error: %v", err)
	}
	if !deleted {
		t.Fatalf("expected DeleteNode to report deletion")
	}

	if _, err := s.LoadNode(n.ID); !cubeerr.Is(err, cubeerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestListByTypeSkipsMalformedFiles(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n, _ := node.Create(node.CreateInput{Type: node.TypeTask, Title: "Good node"}, now)
	if _, err := s.SaveNode(n); err != nil {
		t.Fatalf("SaveNode returned error: %v", err)
	}

	badPath, err := s.NodePath("task/broken-abc123")
	if err != nil {
		t.Fatalf("NodePath returned error: %v", err)
	}
	if err := writeFileAtomic(badPath, []byte("not a valid node file")); err != nil {
		t.Fatalf("writeFileAtomic returned error: %v", err)
	}

	result, err := s.ListByType(node.TypeTask)
	if err != nil {
		t.Fatalf("ListByType returned error: %v", err)
	}
	if len(result.Nodes) != 1 {
		t.Fatalf("expected 1 decoded node, got %d", len(result.Nodes))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 decode error, got %d", len(result.Errors))
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("AcquireLock returned error: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(root); !cubeerr.Is(err, cubeerr.Conflict) {
		t.Fatalf("expected Conflict on second AcquireLock, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	second, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("AcquireLock after release returned error: %v", err)
	}
	second.Release()
}
