// Error taxonomy shared by the table, the transaction manager and queries.

package colstore

import (
	"errors"
	"fmt"
)

var (
	// ErrLockContention is returned when a file or column lock is held by
	// another owner. Operations never wait for locks; callers decide whether
	// to retry, see [Retry].
	ErrLockContention = errors.New("lock contention")
	// ErrConstraintViolation is matched by [ConstraintError].
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrSchemaMismatch is returned when the records file header does not
	// describe the schema the table was opened with.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrCorruptRecords is returned when the records file cannot be replayed.
	ErrCorruptRecords = errors.New("corrupt records file")
	// ErrInvalidValue is returned when a value cannot be stored in a column.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUnknownColumn is returned when a column name is not in the schema.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrClosed is returned when using a closed table or transaction manager.
	ErrClosed = errors.New("table is closed")
)

// IOError is a filesystem failure while opening, appending to or truncating
// a backing file. The operation failed; the process and the table remain
// usable and the caller may retry.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// InitError is returned only while opening a table or a transaction manager.
type InitError struct {
	// Component is "records" or "transaction log".
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ConstraintError reports a uniqueness violation. Nothing was written.
type ConstraintError struct {
	Column string
	Value  any
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique constraint on column %q violated by value %v", e.Column, e.Value)
}

func (e *ConstraintError) Unwrap() error {
	return ErrConstraintViolation
}
