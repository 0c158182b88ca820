package statedb

import (
	"context"
	"fmt"
	"time"

	"github.com/cefsiem/cef-agent/internal/state"
)

// Journal mirrors upload outcomes from the agent loop into the database.
// It implements agent.Observer.
type Journal struct {
	db  *DB
	now func() time.Time
}

// NewJournal creates a Journal writing to db.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// UploadCompleted persists rec. Failures are logged; the in-memory store stays authoritative.
func (j *Journal) UploadCompleted(rec state.Record, _ error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.db.Upsert(ctx, rec, j.now()); err != nil {
		j.db.logger.Printf("Warning: failed to journal upload state: %v", err)
	}
}

// HeartbeatCompleted is a no-op; heartbeats are not journaled.
func (j *Journal) HeartbeatCompleted(error) {}

// SweepCompleted is a no-op; every retried upload is journaled individually.
func (j *Journal) SweepCompleted(attempted, failed int) {}

// Restore loads every journaled record into store and returns how many were
// still failing, which the next retry sweep will pick up.
func (j *Journal) Restore(ctx context.Context, store *state.Store) (int, error) {
	records, err := j.db.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load journal: %w", err)
	}

	store.Restore(records)

	failed := 0
	for _, rec := range records {
		if rec.UploadFailed {
			failed++
		}
	}
	return failed, nil
}
