//go:build !unix

package guard

import (
	"errors"
	"os"
)

// errLocked is never returned on platforms without flock.
var errLocked = errors.New("lock is held")

// openLockFile opens or creates the lock file.
func openLockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
}

// lockFile is a no-op where flock is unavailable; the packaging tool only exists on macOS anyway.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}
