package watch

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func newTestSource(t *testing.T) *Source {
	t.Helper()

	s, err := NewSource(log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewSource() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor returns the first event for path with the given kind.
func waitFor(t *testing.T, s *Source, path string, kind Kind) ChangeEvent {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatal("Events channel closed while waiting")
			}
			if ev.Path == path && ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timeout waiting for %s event on %s", kind, path)
		}
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"/var/log", Target{Path: "/var/log"}},
		{"/var/log/...", Target{Path: "/var/log", Recursive: true}},
		{"/...", Target{Path: "/", Recursive: true}},
	}

	for _, tt := range tests {
		got := ParseTarget(tt.in)
		if got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if s := (Target{Path: "/var/log/", Recursive: true}).String(); s != "/var/log/..." {
		t.Errorf("String() = %q, want /var/log/...", s)
	}
}

func TestWatchMissingPath(t *testing.T) {
	s := newTestSource(t)

	err := s.Watch(Target{Path: filepath.Join(t.TempDir(), "missing")})
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("Expected ErrPathNotFound, got %v", err)
	}

	var we *WatchError
	if !errors.As(err, &we) {
		t.Fatalf("Expected *WatchError, got %T", err)
	}
}

func TestFileCreatedAndModified(t *testing.T) {
	dir := t.TempDir()
	s := newTestSource(t)

	if err := s.Watch(Target{Path: dir}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("line 1\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, s, path, Created)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	if _, err := f.WriteString("line 2\n"); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	f.Close()

	waitFor(t, s, path, Modified)
}

func TestFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	s := newTestSource(t)
	if err := s.Watch(Target{Path: dir}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	waitFor(t, s, path, Removed)
}

func TestRecursiveTarget(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nginx")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	s := newTestSource(t)
	if err := s.Watch(Target{Path: dir, Recursive: true}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	path := filepath.Join(nested, "access.log")
	if err := os.WriteFile(path, []byte("GET /\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, s, path, Created)

	// Directories created after registration are followed too.
	later := filepath.Join(dir, "later")
	if err := os.Mkdir(later, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !contains(s.WatchList(), later) {
		if time.Now().After(deadline) {
			t.Fatalf("New directory %s was not added to the watch list", later)
		}
		time.Sleep(20 * time.Millisecond)
	}

	path = filepath.Join(later, "app.log")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, s, path, Created)
}

func TestRecursiveReportsFilesWrittenWithDirectory(t *testing.T) {
	dir := t.TempDir()

	s := newTestSource(t)
	if err := s.Watch(Target{Path: dir, Recursive: true}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		app := filepath.Join(dir, fmt.Sprintf("app-%d", i))
		if err := os.Mkdir(app, 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		path := filepath.Join(app, "app.log")
		if err := os.WriteFile(path, []byte("started\n"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		waitFor(t, s, path, Created)
	}

	// A whole tree created at once is followed to the bottom.
	deep := filepath.Join(dir, "svc", "worker", "2026")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatalf("Failed to create dirs: %v", err)
	}
	path := filepath.Join(deep, "worker.log")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, s, path, Created)
}

func TestNonRecursiveIgnoresSubdirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	s := newTestSource(t)
	if err := s.Watch(Target{Path: dir}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(nested, "deep.log"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case ev := <-s.Events():
		if filepath.Dir(ev.Path) == nested {
			t.Errorf("Unexpected event from sub-directory: %+v", ev)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCloseClosesEvents(t *testing.T) {
	s, err := NewSource(log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewSource() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close() failed: %v", err)
	}

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Error("Expected closed events channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Events channel not closed after Close()")
	}

	if s.Err() != nil {
		t.Errorf("Err() after a requested Close should be nil, got %v", s.Err())
	}
}

func TestConvertEvent(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want Kind
		ok   bool
	}{
		{fsnotify.Create, Created, true},
		{fsnotify.Write, Modified, true},
		{fsnotify.Remove, Removed, true},
		{fsnotify.Rename, Removed, true},
		{fsnotify.Chmod, 0, false},
	}

	for _, tt := range tests {
		ev, ok := convertEvent(fsnotify.Event{Name: "/x.log", Op: tt.op})
		if ok != tt.ok {
			t.Errorf("convertEvent(%v) ok = %v, want %v", tt.op, ok, tt.ok)
			continue
		}
		if ok && ev.Kind != tt.want {
			t.Errorf("convertEvent(%v) = %v, want %v", tt.op, ev.Kind, tt.want)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
