//go:build unix

package watch

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// classify annotates the errno values inotify and kqueue return when a
// target cannot be registered.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.ENOSPC):
		return fmt.Errorf("watch limit reached (raise fs.inotify.max_user_watches): %w", err)
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
		return fmt.Errorf("too many open files: %w", err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("permission denied: %w", err)
	default:
		return err
	}
}
