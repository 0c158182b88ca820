package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestRecordSuccess(t *testing.T) {
	s := New()

	rec := s.RecordSuccess("/var/log/app.log", base)
	if rec.UploadFailed {
		t.Error("Expected UploadFailed=false after success")
	}
	if !rec.LastSuccessfulUpload.Equal(base) {
		t.Errorf("Expected LastSuccessfulUpload %v, got %v", base, rec.LastSuccessfulUpload)
	}
	if rec.LastError != "" {
		t.Errorf("Expected empty LastError, got %q", rec.LastError)
	}

	got, ok := s.Get("/var/log/app.log")
	if !ok {
		t.Fatal("Get() did not find recorded path")
	}
	if got != rec {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
}

func TestFailuresThenSuccess(t *testing.T) {
	for _, n := range []int{0, 1, 2, 5, 20} {
		t.Run(fmt.Sprintf("failures=%d", n), func(t *testing.T) {
			s := New()
			path := "/var/log/flaky.log"

			for i := 0; i < n; i++ {
				s.RecordFailure(path, errors.New("connection refused"), base.Add(time.Duration(i)*time.Minute))
			}

			successAt := base.Add(time.Hour)
			s.RecordSuccess(path, successAt)

			rec, _ := s.Get(path)
			if rec.UploadFailed {
				t.Error("Expected UploadFailed=false after success")
			}
			if !rec.LastSuccessfulUpload.Equal(successAt) {
				t.Errorf("Expected LastSuccessfulUpload %v, got %v", successAt, rec.LastSuccessfulUpload)
			}
			if rec.Attempts != n+1 {
				t.Errorf("Expected %d attempts, got %d", n+1, rec.Attempts)
			}
			if len(s.SnapshotFailed()) != 0 {
				t.Errorf("Expected no failed paths, got %v", s.SnapshotFailed())
			}
		})
	}
}

func TestRecordFailurePreservesLastSuccess(t *testing.T) {
	s := New()
	path := "/var/log/app.log"

	s.RecordSuccess(path, base)

	for i := 1; i <= 3; i++ {
		rec := s.RecordFailure(path, fmt.Errorf("attempt %d failed", i), base.Add(time.Duration(i)*time.Hour))
		if !rec.LastSuccessfulUpload.Equal(base) {
			t.Fatalf("failure %d regressed LastSuccessfulUpload to %v", i, rec.LastSuccessfulUpload)
		}
		if !rec.UploadFailed {
			t.Fatalf("failure %d: expected UploadFailed=true", i)
		}
		if rec.LastError != fmt.Sprintf("attempt %d failed", i) {
			t.Errorf("failure %d: unexpected LastError %q", i, rec.LastError)
		}
	}

	rec, _ := s.Get(path)
	if !rec.FailingSince.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected FailingSince to stay at first failure, got %v", rec.FailingSince)
	}
}

func TestFirstFailureLeavesLastSuccessZero(t *testing.T) {
	s := New()

	rec := s.RecordFailure("/var/log/new.log", errors.New("no such file"), base)
	if !rec.LastSuccessfulUpload.IsZero() {
		t.Errorf("Expected zero LastSuccessfulUpload, got %v", rec.LastSuccessfulUpload)
	}
	if rec.Succeeded() {
		t.Error("Succeeded() should be false for a never-delivered path")
	}
	if !rec.FailingSince.Equal(base) {
		t.Errorf("Expected FailingSince %v, got %v", base, rec.FailingSince)
	}
}

func TestRecordFailureAlwaysHasError(t *testing.T) {
	s := New()

	rec := s.RecordFailure("/var/log/app.log", nil, base)
	if rec.LastError == "" {
		t.Error("Expected non-empty LastError for nil error")
	}

	rec = s.RecordFailure("/var/log/app.log", errors.New(""), base)
	if rec.LastError == "" {
		t.Error("Expected non-empty LastError for empty error message")
	}
}

func TestSnapshotFailedIsSortedCopy(t *testing.T) {
	s := New()
	s.RecordFailure("/b.log", errors.New("b"), base)
	s.RecordFailure("/a.log", errors.New("a"), base)
	s.RecordSuccess("/c.log", base)

	snap := s.SnapshotFailed()
	if len(snap) != 2 || snap[0] != "/a.log" || snap[1] != "/b.log" {
		t.Fatalf("SnapshotFailed() = %v, want [/a.log /b.log]", snap)
	}

	s.RecordSuccess("/a.log", base.Add(time.Minute))
	if len(snap) != 2 || snap[0] != "/a.log" {
		t.Error("Snapshot changed after a later update")
	}
	if got := s.SnapshotFailed(); len(got) != 1 || got[0] != "/b.log" {
		t.Errorf("SnapshotFailed() after success = %v, want [/b.log]", got)
	}
}

func TestSnapshotConcurrentWithUpdates(t *testing.T) {
	s := New()
	const paths = 50
	for i := 0; i < paths; i++ {
		s.RecordFailure(fmt.Sprintf("/logs/%02d.log", i), errors.New("down"), base)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < paths; i++ {
			s.RecordSuccess(fmt.Sprintf("/logs/%02d.log", i), base.Add(time.Minute))
		}
	}()

	go func() {
		defer wg.Done()
		prev := paths + 1
		for i := 0; i < 200; i++ {
			failed := s.SnapshotFailed()
			for _, p := range failed {
				rec, _ := s.Get(p)
				// A path may be cleared after the snapshot but is never half-written.
				if !rec.UploadFailed && rec.LastSuccessfulUpload.IsZero() {
					t.Errorf("Observed partially applied record for %s: %+v", p, rec)
				}
			}
			if len(failed) > prev {
				t.Errorf("Failed set grew from %d to %d without new failures", prev, len(failed))
			}
			prev = len(failed)
		}
	}()

	wg.Wait()

	if got := s.SnapshotFailed(); len(got) != 0 {
		t.Errorf("Expected all paths cleared, got %d failed", len(got))
	}
}

func TestRestore(t *testing.T) {
	s := New()
	s.RecordSuccess("/live.log", base)

	n := s.Restore([]Record{
		{Path: "/live.log", UploadFailed: true, LastError: "stale"},
		{Path: "/old.log", UploadFailed: true},
		{Path: ""},
	})
	if n != 1 {
		t.Errorf("Restore() = %d, want 1", n)
	}

	live, _ := s.Get("/live.log")
	if live.UploadFailed {
		t.Error("Restore() overwrote a live record")
	}

	old, ok := s.Get("/old.log")
	if !ok || !old.UploadFailed || old.LastError == "" {
		t.Errorf("Restored record malformed: %+v", old)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSnapshotSorted(t *testing.T) {
	s := New()
	s.RecordSuccess("/z.log", base)
	s.RecordSuccess("/m.log", base)
	s.RecordFailure("/a.log", errors.New("x"), base)

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d records, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Path > snap[i].Path {
			t.Errorf("Snapshot() not sorted: %s before %s", snap[i-1].Path, snap[i].Path)
		}
	}
}

func TestRecordJSONOmitsZeroTimes(t *testing.T) {
	s := New()
	rec := s.RecordSuccess("/var/log/a.log", time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if strings.Contains(string(data), "failing_since") {
		t.Errorf("Zero failing_since must be omitted: %s", data)
	}
	if !strings.Contains(string(data), `"last_successful_upload":"2026-10-19T12:00:00Z"`) {
		t.Errorf("Expected last_successful_upload in output: %s", data)
	}

	rec = s.RecordFailure("/var/log/b.log", errors.New("connection refused"), time.Now())
	data, _ = json.Marshal(rec)
	if strings.Contains(string(data), "last_successful_upload") {
		t.Errorf("Zero last_successful_upload must be omitted: %s", data)
	}
	if !strings.Contains(string(data), "failing_since") {
		t.Errorf("Expected failing_since for a failing path: %s", data)
	}
}
