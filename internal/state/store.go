// Package state tracks the delivery state of every file the agent has tried to upload.
//
// The Store is the only shared mutable state in the agent. Each operation holds
// the lock for exactly one map read or mutation, so readers (the status server,
// the retry sweep) never block uploads for long and never observe a partially
// applied update.
package state

import (
	"sort"
	"sync"
	"time"
)

// Record is the last known delivery state of a single path.
type Record struct {
	// Path is the absolute path of the uploaded file.
	Path string `json:"path"`

	// LastSuccessfulUpload is when the file was last delivered. It stays
	// zero until the first success.
	LastSuccessfulUpload time.Time `json:"last_successful_upload,omitzero"`

	// UploadFailed is true when the most recent attempt failed.
	UploadFailed bool `json:"upload_failed"`

	// LastError is the error of the most recent failed attempt.
	// Always set when UploadFailed is true.
	LastError string `json:"last_error,omitempty"`

	// FailingSince is when the current run of failures started.
	FailingSince time.Time `json:"failing_since,omitzero"`

	// Attempts counts every upload attempt for the path.
	Attempts int `json:"attempts"`
}

// Succeeded reports whether the file has ever been delivered.
func (r Record) Succeeded() bool {
	return !r.LastSuccessfulUpload.IsZero()
}

// Store is a concurrency-safe map from path to Record.
// Records are created lazily and never removed.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]Record)}
}

// RecordSuccess marks path as delivered at t and clears any failure.
func (s *Store) RecordSuccess(path string, t time.Time) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[path]
	rec := Record{
		Path:                 path,
		LastSuccessfulUpload: t,
		Attempts:             prev.Attempts + 1,
	}
	s.records[path] = rec
	return rec
}

// RecordFailure marks path as failed with err.
//
// The previous LastSuccessfulUpload is kept, so a flapping path never loses its
// last good timestamp. FailingSince is set to now on the first failure of a run
// and preserved on later ones.
func (s *Store) RecordFailure(path string, err error, now time.Time) Record {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.records[path]
	rec := Record{
		Path:                 path,
		LastSuccessfulUpload: prev.LastSuccessfulUpload,
		UploadFailed:         true,
		LastError:            msg,
		FailingSince:         now,
		Attempts:             prev.Attempts + 1,
	}
	if seen && prev.UploadFailed && !prev.FailingSince.IsZero() {
		rec.FailingSince = prev.FailingSince
	}
	s.records[path] = rec
	return rec
}

// SnapshotFailed returns the paths currently marked failed, sorted.
// The result is a copy and does not change with later updates.
func (s *Store) SnapshotFailed() []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.records))
	for path, rec := range s.records {
		if rec.UploadFailed {
			paths = append(paths, path)
		}
	}
	s.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Get returns the record for path, if any.
func (s *Store) Get(path string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	return rec, ok
}

// Snapshot returns a copy of every record, sorted by path.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
	return records
}

// Restore seeds the store with previously persisted records.
// Existing entries win over restored ones.
func (s *Store) Restore(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if rec.Path == "" {
			continue
		}
		if _, exists := s.records[rec.Path]; exists {
			continue
		}
		if rec.UploadFailed && rec.LastError == "" {
			rec.LastError = "unknown error"
		}
		s.records[rec.Path] = rec
		restored++
	}
	return restored
}

// Len returns the number of tracked paths.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
