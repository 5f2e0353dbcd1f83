package colstore

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maruel/colstore/internal/filelock"
	"github.com/maruel/ksid"
)

// TransactionManager wraps a Table and records every mutation in the table's
// transaction log, for auditing and recovery tooling.
//
// It holds the exclusive lock on the transaction log and, through its Table,
// on the records file, from OpenTransactionManager until Close.
type TransactionManager struct {
	table  *Table
	lock   *filelock.Lock
	log    *transactionLog
	logger *slog.Logger

	mu       sync.Mutex
	auditErr error
	lost     int
}

// OpenTransactionManager takes the transaction log lock, then opens the table.
//
// Both steps fail immediately when the lock is held elsewhere. Errors are
// returned as *InitError; on failure no lock remains held.
func OpenTransactionManager(txnLogLock, recordsLock *filelock.Lock, schema *Schema, opts *Options) (*TransactionManager, error) {
	if err := tryLock(txnLogLock); err != nil {
		return nil, &InitError{Component: "transaction log", Err: err}
	}
	noSync := opts != nil && opts.NoSync
	tl, err := newTransactionLog(txnLogLock, noSync, opts.logger())
	if err != nil {
		return nil, &InitError{Component: "transaction log", Err: errors.Join(err, txnLogLock.Unlock())}
	}
	table, err := OpenTable(recordsLock, schema, opts)
	if err != nil {
		if uerr := txnLogLock.Unlock(); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	}
	return &TransactionManager{
		table:  table,
		lock:   txnLogLock,
		log:    tl,
		logger: table.logger,
	}, nil
}

// Table returns the managed table. Mutating it directly bypasses the log.
func (tm *TransactionManager) Table() *Table {
	return tm.table
}

// Columns implements Source.
func (tm *TransactionManager) Columns() *ColumnStore {
	return tm.table.Columns()
}

// InsertOne inserts row through the table and logs the outcome.
func (tm *TransactionManager) InsertOne(row Row) (RowID, error) {
	if tm.table.closed.Load() {
		return RowID{}, ErrClosed
	}
	txn := ksid.NewID()
	ids, err := tm.table.insert([]Row{row})
	tm.record(txn, OpInsert, ids, err)
	if err != nil {
		return RowID{}, err
	}
	return ids[0], nil
}

// InsertMany inserts rows atomically through the table and logs the outcome
// as a single transaction.
func (tm *TransactionManager) InsertMany(rows []Row) ([]RowID, error) {
	if tm.table.closed.Load() {
		return nil, ErrClosed
	}
	if len(rows) == 0 {
		return nil, nil
	}
	txn := ksid.NewID()
	ids, err := tm.table.insert(rows)
	tm.record(txn, OpInsert, ids, err)
	return ids, err
}

// record appends the log entry for a finished mutation.
//
// A log failure never undoes a committed mutation: it is kept as a degraded
// durability condition, see Degraded.
func (tm *TransactionManager) record(txn ksid.ID, op Operation, ids []RowID, opErr error) {
	e := &LogEntry{
		TxnID:   txn,
		Time:    time.Now().UTC(),
		Table:   tm.table.schema.Name,
		Op:      op,
		Outcome: OutcomeCommitted,
		RowIDs:  ids,
	}
	if opErr != nil {
		e.Outcome = OutcomeAborted
		e.RowIDs = nil
		e.Error = opErr.Error()
	}
	err := tm.log.append(e)
	if err == nil {
		return
	}
	tm.mu.Lock()
	tm.auditErr = err
	if opErr == nil {
		tm.lost++
	}
	tm.mu.Unlock()
	tm.logger.Warn("Failed to write transaction log entry", "txn", txn.String(), "op", op, "outcome", e.Outcome, "err", err)
}

// Degraded reports whether a committed mutation is missing from the
// transaction log.
func (tm *TransactionManager) Degraded() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lost != 0
}

// AuditErr returns the last transaction log write failure, if any.
func (tm *TransactionManager) AuditErr() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.auditErr
}

// Close closes the table then releases the transaction log lock.
func (tm *TransactionManager) Close() error {
	err := tm.table.Close()
	if uerr := tm.lock.Unlock(); uerr != nil {
		err = errors.Join(err, &IOError{Op: "unlock", Path: tm.lock.Path(), Err: uerr})
	}
	return err
}
