// Package watch turns filesystem notifications into ChangeEvents.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RecursiveSuffix marks a watch path whose sub-directories are watched too.
const RecursiveSuffix = "/..."

var (
	// ErrPathNotFound is returned when a watch target does not exist.
	ErrPathNotFound = errors.New("watch path not found")

	// ErrUnsupported is returned when the OS refuses to watch a target.
	ErrUnsupported = errors.New("watch path unsupported")

	// ErrDisconnected is reported when the notification channel closed
	// without Close being called. It is terminal.
	ErrDisconnected = errors.New("watch source disconnected")
)

// WatchError describes a target that could not be registered.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// Kind is the type of change observed on a path.
type Kind int

const (
	// Created indicates a new file appeared.
	Created Kind = iota
	// Modified indicates an existing file was written.
	Modified
	// Removed indicates a file was deleted or renamed away.
	Removed
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single change to a watched path.
type ChangeEvent struct {
	Path string
	Kind Kind
}

// Target is a filesystem path to monitor.
type Target struct {
	Path      string
	Recursive bool
}

// ParseTarget reads the persisted form of a target. A trailing "/..." marks it recursive.
func ParseTarget(s string) Target {
	if strings.HasSuffix(s, RecursiveSuffix) {
		p := strings.TrimSuffix(s, RecursiveSuffix)
		if p == "" {
			p = "/"
		}
		return Target{Path: p, Recursive: true}
	}
	return Target{Path: s}
}

// String returns the persisted form of the target.
func (t Target) String() string {
	if t.Recursive {
		return strings.TrimRight(t.Path, "/") + RecursiveSuffix
	}
	return t.Path
}

// Source watches registered targets and emits ChangeEvents on one ordered channel.
// Events are produced until Close is called or the OS channel fails.
type Source struct {
	watcher *fsnotify.Watcher
	events  chan ChangeEvent
	errors  chan error
	done    chan struct{}
	logger  *log.Logger

	wg sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	err       error
	recursive map[string]bool
}

// NewSource creates a Source backed by fsnotify.
func NewSource(logger *log.Logger) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	s := &Source{
		watcher:   watcher,
		events:    make(chan ChangeEvent, 256),
		errors:    make(chan error, 16),
		done:      make(chan struct{}),
		logger:    logger,
		recursive: make(map[string]bool),
	}

	s.wg.Add(1)
	go s.processEvents()

	return s, nil
}

// Watch registers a target. Non-recursive targets watch only the path itself
// (a file, or the direct children of a directory).
func (s *Source) Watch(target Target) error {
	path := filepath.Clean(target.Path)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &WatchError{Path: path, Err: ErrPathNotFound}
		}
		return &WatchError{Path: path, Err: fmt.Errorf("%w: %w", ErrUnsupported, err)}
	}

	if err := s.add(path); err != nil {
		return err
	}

	if target.Recursive && info.IsDir() {
		s.mu.Lock()
		s.recursive[path] = true
		s.mu.Unlock()

		if err := s.addTree(path); err != nil {
			return err
		}
	}

	return nil
}

// WatchList returns the paths currently registered with the OS.
func (s *Source) WatchList() []string {
	return s.watcher.WatchList()
}

// Events returns the channel of change events. It is closed when the source stops.
func (s *Source) Events() <-chan ChangeEvent {
	return s.events
}

// Errors returns non-fatal notification errors such as queue overflows.
func (s *Source) Errors() <-chan error {
	return s.errors
}

// Err returns ErrDisconnected once the OS channel has closed unexpectedly.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close drops every registration and stops event delivery.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	err := s.watcher.Close()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (s *Source) add(path string) error {
	if err := s.watcher.Add(path); err != nil {
		return &WatchError{Path: path, Err: fmt.Errorf("%w: %w", ErrUnsupported, classify(err))}
	}
	return nil
}

// addTree watches every directory below root.
func (s *Source) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable sub-trees are skipped, not fatal to the target.
			s.logger.Printf("Warning: skipping %s: %v", p, err)
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || p == root {
			return nil
		}
		if err := s.add(p); err != nil {
			s.logger.Printf("Warning: %v", err)
			return filepath.SkipDir
		}
		return nil
	})
}

// underRecursive reports whether dir lies below a recursive target.
func (s *Source) underRecursive(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for root := range s.recursive {
		if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// processEvents converts fsnotify events until the source closes.
func (s *Source) processEvents() {
	defer s.wg.Done()
	defer close(s.events)
	defer close(s.errors)

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				s.disconnected()
				return
			}

			if event.Has(fsnotify.Create) && s.underRecursive(filepath.Dir(event.Name)) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !s.followDir(event.Name) {
						return
					}
					continue
				}
			}

			changeEvent, ok := convertEvent(event)
			if !ok {
				continue
			}
			if !s.emit(changeEvent) {
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.disconnected()
				return
			}

			select {
			case s.errors <- err:
			case <-s.done:
				return
			default:
				s.logger.Printf("Warning: dropping watcher error: %v", err)
			}
		}
	}
}

// followDir watches a directory created below a recursive target, then
// reports every file already inside it as Created. Those files may have been
// written before the watch existed and would otherwise go unseen. A file
// written in between can be reported twice. Returns false once the source is
// closing.
func (s *Source) followDir(dir string) bool {
	if err := s.add(dir); err != nil {
		s.logger.Printf("Warning: %v", err)
		return true
	}
	if err := s.addTree(dir); err != nil {
		s.logger.Printf("Warning: %v", err)
	}

	open := true
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if !s.emit(ChangeEvent{Path: p, Kind: Created}) {
			open = false
			return filepath.SkipAll
		}
		return nil
	})
	return open
}

// emit delivers ev unless the source is closing.
func (s *Source) emit(ev ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Source) disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = ErrDisconnected
	}
}

// convertEvent maps an fsnotify event to a ChangeEvent.
// Returns false for events the agent never acts on (chmod).
func convertEvent(event fsnotify.Event) (ChangeEvent, bool) {
	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = Created
	case event.Has(fsnotify.Write):
		kind = Modified
	case event.Has(fsnotify.Remove):
		kind = Removed
	case event.Has(fsnotify.Rename):
		// The new name, if watched, arrives as a separate Create.
		kind = Removed
	default:
		return ChangeEvent{}, false
	}

	return ChangeEvent{Path: event.Name, Kind: kind}, true
}
