// Package lockfile guards a state directory against a second CarePipe process.
//
// Without Redis the sweeper and analysis workers coordinate through in-process
// locks, which only hold while a single process owns the state directory. The
// lock is an flock on a file in that directory, so the kernel drops it when
// the process exits for any reason.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// FileName is the lock file created in the state directory.
const FileName = "carepipe.lock"

// ErrHeld is wrapped by LockError when another process owns the directory.
var ErrHeld = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
	log  *logger.Logger
}

// Acquire takes an exclusive, non-blocking lock on stateDir.
func Acquire(stateDir string, log *logger.Logger) (*Lock, error) {
	if log == nil {
		log = logger.NewNop()
	}
	path := filepath.Join(stateDir, FileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's pid before we know whether we won.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		log.Error("lockfile.Acquire: state directory already locked", "lock_path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	log.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path, log: log}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("Lock.Release: remove lock file failed", "lock_path", l.path, "error", err)
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	l.log.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a lock held by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CarePipe process is using the state directory (lock file %s", e.Path)
	if e.Holder != "" {
		msg += ", " + e.Holder
	}
	return msg + "); configure Redis to run several processes"
}

func (e *LockError) Is(target error) bool { return target == ErrHeld }

func (e *LockError) Unwrap() error { return e.Cause }

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("held by pid %d", pid)
	}
	return fmt.Sprintf("last written by pid %d, which is not running", pid)
}

// parsePID reads the pid from "pid=NNNN" lock file content.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
