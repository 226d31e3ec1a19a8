package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/sal-scripts-packager/internal/logger"
)

const (
	// LockFileName is the lock file shared by every generator process of a user.
	LockFileName = "sal-scripts-packager.lock"

	// lockFileMode keeps the lock file private.
	lockFileMode os.FileMode = 0o600
)

var (
	// ErrAlreadyRunning is returned when another run holds the lock.
	ErrAlreadyRunning = errors.New("another generator run is in progress")
	// errUnsafeLockFile is returned when the lock path is a link or belongs to someone else.
	errUnsafeLockFile = errors.New("lock file must be a regular file owned by the current user")
)

// Lock is a held guard. Release it when the run is over.
type Lock struct {
	// file keeps the locked descriptor open.
	file *os.File
	// path is where the lock file lives.
	path string
}

// DefaultPath returns the lock file location.
// It prefers $XDG_RUNTIME_DIR and falls back to the system temp directory.
func DefaultPath() string {
	return defaultPathWith(os.Getenv)
}

func defaultPathWith(getenv func(string) string) string {
	dir := getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, LockFileName)
}

// Acquire takes the lock at path without blocking.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if path == "" {
		path = DefaultPath()
	}

	file, err := openLockFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err = lockFile(file); err != nil {
		_ = file.Close()

		if errors.Is(err, errLocked) {
			logger.WarnKV(ctx, "Generator is already running", "lock", path, "pids", otherInstances())

			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyRunning)
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// The PID is informational only; the lock itself is what counts.
	if err = file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	logger.DebugKV(ctx, "Run lock acquired", "lock", path)

	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}

	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil

	return errors.Join(unlockErr, closeErr)
}

// otherInstances lists the PIDs of other processes running the same executable.
func otherInstances() []int {
	self, err := os.Executable()
	if err != nil {
		return nil
	}

	processList, err := ps.Processes()
	if err != nil {
		return nil
	}

	name := filepath.Base(self)
	thisProcessID := os.Getpid()

	var pids []int

	for _, process := range processList {
		if process.Pid() == thisProcessID || process.Executable() != name {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids
}
