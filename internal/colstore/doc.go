// Package colstore provides an embedded, file-backed, column-oriented table
// engine with a write-ahead transaction log.
//
// # Overview
//
// A [Table] stores each column of a fixed [Schema] as its own in-memory
// sequence ([ColumnStore]) and makes every insert durable in an append-only
// JSONL records file before reporting success. Rows are identified by a
// generated, time-sortable [RowID]. A [TransactionManager] wraps a Table and
// writes one entry per mutation to a separate, framed transaction log.
//
// # Directory Layout
//
//	<db>/<table>/records.jsonl     schema header, then one entry per row
//	<db>/<table>/transactions.log  LEN | CRC32 | JSON frames
//
// # Concurrency: Fail Fast
//
// There are two layers of exclusion. Each backing file is guarded by an
// exclusive OS file lock taken for the lifetime of the Table or
// TransactionManager, which allows a single writer per table across
// processes. Within a process each column sequence has its own lock; inserts
// take all of them with TryLock in a fixed order. Contention at either layer
// is returned as [ErrLockContention] and nothing waits. [Retry] implements a
// caller-side backoff.
//
// # Atomicity
//
// Inserts checkpoint the row count and the records file size. If the durable
// append fails, memory and file are both rolled back to the checkpoint, so
// a failed [Table.InsertMany] leaves none of its rows behind.
//
// # Queries
//
// [FirstMatch] scans rows in insertion order and projects the first one
// satisfying every predicate.
package colstore
