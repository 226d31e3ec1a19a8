//go:build unix

package guard

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// errLocked is returned by lockFile when another descriptor holds the lock.
var errLocked = errors.New("lock is held")

// openLockFile opens path without following a final symlink and checks the opened
// file is a regular file with a single link owned by the effective user.
func openLockFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_NOFOLLOW, lockFileMode)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, fmt.Errorf("%w: %w", errUnsafeLockFile, err)
		}

		return nil, err
	}

	var stat unix.Stat_t
	if err = unix.Fstat(int(file.Fd()), &stat); err != nil { //nolint:gosec // fd fits in int
		_ = file.Close()

		return nil, fmt.Errorf("stat: %w", err)
	}

	owner := os.Geteuid()

	if stat.Mode&unix.S_IFMT != unix.S_IFREG || stat.Nlink != 1 || int(stat.Uid) != owner {
		_ = file.Close()

		return nil, fmt.Errorf("%w: mode %#o, links %d, owner %d", errUnsafeLockFile, stat.Mode, stat.Nlink, stat.Uid)
	}

	return file, nil
}

func lockFile(file *os.File) error {
	err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB) //nolint:gosec // fd fits in int
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errLocked
	}

	return err
}

func unlockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN) //nolint:gosec // fd fits in int
}
