// Package agent runs the control loop that turns filesystem events into deliveries.
//
// The loop:
//  1. Uploads a file whenever a matching log file is created or modified
//  2. Records every outcome in the upload state store
//  3. Sends a heartbeat on a fixed interval
//  4. After a successful heartbeat, retries every failed upload in turn
//
// Everything runs on one goroutine. While a network call is in flight no other
// event is processed, so a path is never uploaded twice at the same time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cefsiem/cef-agent/internal/delivery"
	"github.com/cefsiem/cef-agent/internal/state"
	"github.com/cefsiem/cef-agent/internal/watch"
)

// ErrSourceDisconnected is returned by Run when the watch source stops
// producing events. It is fatal.
var ErrSourceDisconnected = errors.New("watch source disconnected")

// Deliverer performs the remote operations the loop needs.
// *delivery.Client satisfies it.
type Deliverer interface {
	Upload(ctx context.Context, path string, id delivery.Identity) error
	Heartbeat(ctx context.Context, id delivery.Identity) error
}

// EventSource produces change events. *watch.Source satisfies it.
type EventSource interface {
	Events() <-chan watch.ChangeEvent
	Errors() <-chan error
}

// Config holds configuration for the loop.
type Config struct {
	// HeartbeatInterval is how often liveness is reported and failed uploads retried.
	HeartbeatInterval time.Duration

	// LogSuffix selects which files are uploaded (matched against the extension).
	LogSuffix string

	// Logger for loop activity.
	Logger *log.Logger

	// Observers are told about every upload, heartbeat and sweep.
	Observers []Observer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		LogSuffix:         ".log",
		Logger:            log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Now:               time.Now,
	}
}

// Loop is the agent's orchestrator.
type Loop struct {
	deliverer Deliverer
	source    EventSource
	store     *state.Store
	identity  delivery.Identity
	config    *Config

	phase   atomic.Int32
	current atomic.Pointer[string]
}

// New creates a Loop. A nil config uses DefaultConfig; zero fields are filled
// from the defaults.
func New(deliverer Deliverer, source EventSource, store *state.Store, identity delivery.Identity, config *Config) (*Loop, error) {
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.LogSuffix == "" {
		config.LogSuffix = defaults.LogSuffix
	}
	if !strings.HasPrefix(config.LogSuffix, ".") {
		config.LogSuffix = "." + config.LogSuffix
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Loop{
		deliverer: deliverer,
		source:    source,
		store:     store,
		identity:  identity,
		config:    config,
	}, nil
}

// Run processes events and heartbeat ticks until ctx is cancelled or the
// source disconnects. Recoverable errors are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.source == nil {
		return fmt.Errorf("event source cannot be nil")
	}

	l.config.Logger.Printf("Starting agent loop (heartbeat every %s, suffix %s)",
		l.config.HeartbeatInterval, l.config.LogSuffix)

	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	events := l.source.Events()
	watchErrors := l.source.Errors()

	for {
		select {
		case <-ctx.Done():
			l.config.Logger.Println("Shutdown signal received")
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return l.disconnectError()
			}
			l.HandleEvent(ctx, event)

		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			l.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// HandleEvent uploads the event's path if it is a created or modified log file.
// Returns true if an upload was attempted.
func (l *Loop) HandleEvent(ctx context.Context, event watch.ChangeEvent) bool {
	if !l.Relevant(event) {
		return false
	}

	l.config.Logger.Printf("Change detected in: %s (%s)", event.Path, event.Kind)
	l.upload(ctx, event.Path)
	return true
}

// Relevant reports whether an event should trigger an upload. Removed files
// are skipped since reading them can only fail.
func (l *Loop) Relevant(event watch.ChangeEvent) bool {
	if event.Kind != watch.Created && event.Kind != watch.Modified {
		return false
	}
	return filepath.Ext(event.Path) == l.config.LogSuffix
}

// Tick sends a heartbeat and, if it succeeds, retries failed uploads.
func (l *Loop) Tick(ctx context.Context) error {
	l.setState(StateHeartbeatInFlight, "")
	err := l.deliverer.Heartbeat(ctx, l.identity)
	for _, o := range l.config.Observers {
		o.HeartbeatCompleted(err)
	}
	if err != nil {
		l.setState(StateIdle, "")
		l.config.Logger.Printf("Warning: heartbeat failed, skipping retry sweep: %v", err)
		return err
	}

	l.sweep(ctx)
	return nil
}

// sweep retries each failed path once, sequentially.
func (l *Loop) sweep(ctx context.Context) {
	l.setState(StateRetrySweep, "")
	defer l.setState(StateIdle, "")

	failed := l.store.SnapshotFailed()
	if len(failed) == 0 {
		return
	}

	l.config.Logger.Printf("Retrying %d failed upload(s)", len(failed))

	attempted, stillFailed := 0, 0
	for _, path := range failed {
		if ctx.Err() != nil {
			break
		}
		attempted++
		if rec := l.upload(ctx, path); rec.UploadFailed {
			stillFailed++
		}
		l.setState(StateRetrySweep, "")
	}

	for _, o := range l.config.Observers {
		o.SweepCompleted(attempted, stillFailed)
	}
	l.config.Logger.Printf("Retry sweep complete: %d attempted, %d still failing", attempted, stillFailed)
}

// upload delivers one file and records the outcome.
func (l *Loop) upload(ctx context.Context, path string) state.Record {
	l.setState(StateUploading, path)
	defer l.setState(StateIdle, "")

	var rec state.Record
	err := l.deliverer.Upload(ctx, path, l.identity)
	if err != nil {
		rec = l.store.RecordFailure(path, err, l.config.Now())
		if delivery.IsRetryable(err) {
			l.config.Logger.Printf("Warning: failed to upload %s, will retry after next heartbeat: %v", path, err)
		} else {
			l.config.Logger.Printf("Warning: upload of %s rejected, retries will fail until this is fixed: %v", path, err)
		}
	} else {
		rec = l.store.RecordSuccess(path, l.config.Now())
		l.config.Logger.Printf("Successfully uploaded log: %s", path)
	}

	for _, o := range l.config.Observers {
		o.UploadCompleted(rec, err)
	}
	return rec
}

// Store returns the loop's upload state store.
func (l *Loop) Store() *state.Store {
	return l.store
}

// State returns what the loop is doing right now. Safe to call from any goroutine.
func (l *Loop) State() State {
	return State(l.phase.Load())
}

// CurrentPath returns the path being uploaded, if any.
func (l *Loop) CurrentPath() string {
	if p := l.current.Load(); p != nil {
		return *p
	}
	return ""
}

func (l *Loop) setState(s State, path string) {
	l.current.Store(&path)
	l.phase.Store(int32(s))
}

func (l *Loop) disconnectError() error {
	type errSource interface{ Err() error }
	if es, ok := l.source.(errSource); ok {
		if err := es.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrSourceDisconnected, err)
		}
	}
	return ErrSourceDisconnected
}
