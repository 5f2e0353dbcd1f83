// Package filelock provides exclusive, non-blocking, OS-visible file locks.
//
// A [Lock] is a handle on a file opened in append mode. Opening a handle never
// takes the lock; [Lock.TryLock] promotes the handle to the exclusive holder
// or fails immediately with [ErrWouldBlock]. Several handles can reference the
// same file, in the same process or in different processes, but only one of
// them can hold the lock at a time.
package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrWouldBlock is returned by TryLock when another handle holds the lock.
var ErrWouldBlock = errors.New("file is locked by another holder")

// Lock is a handle on an append-only file that can be exclusively locked.
type Lock struct {
	path string

	mu   sync.Mutex
	f    *os.File
	held bool
}

// Open creates the parent directory if needed and opens path for appending,
// creating the file if it is absent. The lock is not acquired.
func Open(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // G304: path is provided by the caller
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the path of the locked file.
func (l *Lock) Path() string {
	return l.path
}

// File returns the underlying append-mode file.
//
// Writing to it is only meaningful while the lock is held.
func (l *Lock) File() *os.File {
	return l.f
}

// TryLock takes the exclusive lock without waiting.
//
// It returns ErrWouldBlock if any handle, including this one, already holds it.
func (l *Lock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fs.ErrClosed
	}
	if l.held {
		return ErrWouldBlock
	}
	if err := tryLockFile(l.f); err != nil {
		return err
	}
	l.held = true
	return nil
}

// Held reports whether this handle currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Unlock releases the lock. It is a no-op if the handle does not hold it.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.f == nil {
		return nil
	}
	l.held = false
	if err := unlockFile(l.f); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock if held and closes the file.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	var errs []error
	if l.held {
		l.held = false
		errs = append(errs, unlockFile(l.f))
	}
	errs = append(errs, l.f.Close())
	l.f = nil
	return errors.Join(errs...)
}
