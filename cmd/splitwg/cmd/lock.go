package cmd

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// lockPath guards install, uninstall and restart against overlapping runs.
var lockPath = "/run/splitwg.lock"

var errLocked = errors.New("another splitwg operation is in progress")

// withLock runs fn while holding the advisory lock. It fails fast when the
// lock is held elsewhere.
func withLock(fn func() error) error {
	l := flock.New(lockPath)
	ok, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !ok {
		return fmt.Errorf("%w (%s)", errLocked, lockPath)
	}
	defer l.Unlock()
	return fn()
}
