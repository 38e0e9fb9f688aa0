// Package lock provides the single-instance advisory lock taken for the
// duration of a run.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/danjacques/gofslock/fslock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock: held by another instance")

// held tracks paths locked by this process; a second Acquire on one of
// them fails the same way a foreign holder does.
var (
	heldMu sync.Mutex
	held   = make(map[string]bool)
)

// Lock is an acquired exclusive lock.
type Lock struct {
	path    string
	abs     string
	pidPath string
	handle  fslock.Handle
	once    sync.Once
	err     error
}

// Acquire takes the exclusive lock at path without blocking. The holder's
// pid is recorded next to the lock file.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("lock: mkdir: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("lock: resolve %s: %w", path, err)
	}
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[abs] {
		return nil, fmt.Errorf("%w: %s%s", ErrLocked, path, holder(path+".pid"))
	}

	h, err := fslock.Lock(path)
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s%s", ErrLocked, path, holder(path+".pid"))
		}
		return nil, fmt.Errorf("lock: acquire %s: %w", path, err)
	}

	l := &Lock{path: path, abs: abs, pidPath: path + ".pid", handle: h}
	if err := os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		_ = h.Unlock()
		return nil, fmt.Errorf("lock: write pid: %w", err)
	}
	held[abs] = true
	return l, nil
}

func holder(pidPath string) string {
	data, err := os.ReadFile(pidPath)
	pid := strings.TrimSpace(string(data))
	if err != nil || pid == "" {
		return ""
	}
	return " (pid " + pid + ")"
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	l.once.Do(func() {
		if err := os.Remove(l.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("lock: remove pid: %w", err)
		}
		if err := l.handle.Unlock(); err != nil {
			l.err = errors.Join(l.err, fmt.Errorf("lock: unlock: %w", err))
		}
		heldMu.Lock()
		delete(held, l.abs)
		heldMu.Unlock()
	})
	return l.err
}
