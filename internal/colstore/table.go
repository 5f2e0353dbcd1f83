package colstore

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/maruel/colstore/internal/filelock"
)

const (
	// RecordsFileName is the name of the records file in a table directory.
	RecordsFileName = "records.jsonl"
	// TxnLogFileName is the name of the transaction log in a table directory.
	TxnLogFileName = "transactions.log"
)

// Options configures a Table or a TransactionManager. The zero value is
// ready to use.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// NoSync skips fsync after appends. Only for tests and bulk loads.
	NoSync bool
	// QueryCacheEntries bounds the first-match cache. 0 selects
	// DefaultQueryCacheEntries; a negative value disables the cache.
	QueryCacheEntries int64
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// OpenRecordsLock opens the records file of table under dbDir, creating the
// table directory and the file if needed. The lock is not taken.
func OpenRecordsLock(dbDir, table string) (*filelock.Lock, error) {
	return openLock(filepath.Join(dbDir, table, RecordsFileName))
}

// OpenTxnLogLock opens the transaction log of table under dbDir, creating
// the table directory and the file if needed. The lock is not taken.
func OpenTxnLogLock(dbDir, table string) (*filelock.Lock, error) {
	return openLock(filepath.Join(dbDir, table, TxnLogFileName))
}

func openLock(path string) (*filelock.Lock, error) {
	l, err := filelock.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: errors.Unwrap(err)}
	}
	return l, nil
}

// tryLock maps filelock contention to ErrLockContention.
func tryLock(l *filelock.Lock) error {
	err := l.TryLock()
	if errors.Is(err, filelock.ErrWouldBlock) {
		return fmt.Errorf("%w: %s is held by another table", ErrLockContention, l.Path())
	}
	return err
}

// Table is a column-oriented table backed by a records file.
//
// A Table holds the exclusive lock on its records file from OpenTable until
// Close, so at most one Table per table directory exists across all
// processes. A Table may be shared between goroutines: concurrent inserts
// fail fast with ErrLockContention rather than waiting.
type Table struct {
	schema  *Schema
	lock    *filelock.Lock
	store   *ColumnStore
	records *recordsFile
	logger  *slog.Logger
	closed  atomic.Bool
}

// OpenTable takes the exclusive lock on recordsLock and rebuilds the table by
// replaying the records file.
//
// If another handle holds the lock, it fails immediately with an *InitError
// wrapping ErrLockContention.
func OpenTable(recordsLock *filelock.Lock, schema *Schema, opts *Options) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, &InitError{Component: "records", Err: err}
	}
	if err := tryLock(recordsLock); err != nil {
		return nil, &InitError{Component: "records", Err: err}
	}
	t, err := openLockedTable(recordsLock, schema, opts)
	if err != nil {
		return nil, &InitError{Component: "records", Err: errors.Join(err, recordsLock.Unlock())}
	}
	return t, nil
}

func openLockedTable(recordsLock *filelock.Lock, schema *Schema, opts *Options) (*Table, error) {
	var cacheEntries int64
	noSync := false
	if opts != nil {
		cacheEntries = opts.QueryCacheEntries
		noSync = opts.NoSync
	}
	store, err := newColumnStore(schema, cacheEntries)
	if err != nil {
		return nil, err
	}
	t := &Table{
		schema:  schema,
		lock:    recordsLock,
		store:   store,
		records: newRecordsFile(recordsLock, noSync),
		logger:  opts.logger().With("table", schema.Name),
	}
	if err := t.records.replay(store, t.logger); err != nil {
		store.close()
		return nil, err
	}
	t.logger.Debug("Opened table", "rows", store.lenLocked(), "bytes", t.records.size)
	return t, nil
}

// Schema returns the table schema.
func (t *Table) Schema() *Schema {
	return t.schema
}

// Columns implements Source. It returns nil once the table is closed.
func (t *Table) Columns() *ColumnStore {
	if t.closed.Load() {
		return nil
	}
	return t.store
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.store.Len()
}

// InsertOne appends row and returns its new identifier.
func (t *Table) InsertOne(row Row) (RowID, error) {
	ids, err := t.insert([]Row{row})
	if err != nil {
		return RowID{}, err
	}
	return ids[0], nil
}

// InsertMany appends rows atomically: either all of them are durable and
// visible, or none is.
func (t *Table) InsertMany(rows []Row) ([]RowID, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return t.insert(rows)
}

func (t *Table) insert(rows []Row) ([]RowID, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	coerced := make([][]any, len(rows))
	for i, row := range rows {
		c, err := t.store.coerceRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		coerced[i] = c
	}

	if err := t.store.tryLockAll(); err != nil {
		return nil, err
	}
	defer t.store.unlockAll()

	if err := t.store.checkUniqueLocked(coerced); err != nil {
		return nil, err
	}

	ids := make([]RowID, len(coerced))
	lines := make([][]byte, len(coerced))
	for i, row := range coerced {
		ids[i] = NewRowID()
		line, err := encodeEntry(ids[i], row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrInvalidValue, i, err)
		}
		lines[i] = line
	}

	checkpoint := t.store.lenLocked()
	for i, row := range coerced {
		t.store.appendLocked(ids[i], row)
	}
	if err := t.records.appendLines(lines); err != nil {
		t.store.truncateLocked(checkpoint)
		t.logger.Warn("Rolled back insert", "rows", len(rows), "err", err)
		return nil, err
	}
	return ids, nil
}

// Rows iterates over a snapshot of the committed rows in insertion order.
//
// Each row is read under the column read locks, which are released between
// rows. Iteration stops once the table is closed.
func (t *Table) Rows() iter.Seq2[RowID, Row] {
	return func(yield func(RowID, Row) bool) {
		all := make([]int, len(t.store.cols))
		for i := range all {
			all[i] = i
		}
		n := t.store.Len()
		for i := range n {
			if t.closed.Load() {
				return
			}
			_, release := t.store.readLock(all)
			id, row := t.store.ids[i], t.store.rowLocked(i)
			release()
			if !yield(id, row) {
				return
			}
		}
	}
}

// Close releases the records file lock. The table must not be used after.
func (t *Table) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.store.close()
	if err := t.lock.Unlock(); err != nil {
		return &IOError{Op: "unlock", Path: t.lock.Path(), Err: err}
	}
	return nil
}
