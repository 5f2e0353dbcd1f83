package colstore

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func setupManager(t *testing.T, dir string) *TransactionManager {
	t.Helper()
	schema := mustSchema[example1](t, "Example1Table")
	tm, err := openManager(dir, schema)
	if err != nil {
		t.Fatalf("OpenTransactionManager failed: %v", err)
	}
	t.Cleanup(func() { closeManager(tm) })
	return tm
}

// closeManager closes tm and the lock handles it was opened with.
func closeManager(tm *TransactionManager) {
	_ = tm.Close()
	_ = tm.lock.Close()
	_ = tm.table.lock.Close()
}

func openManager(dir string, schema *Schema) (*TransactionManager, error) {
	logLock, err := OpenTxnLogLock(dir, schema.Name)
	if err != nil {
		return nil, err
	}
	recLock, err := OpenRecordsLock(dir, schema.Name)
	if err != nil {
		return nil, errors.Join(err, logLock.Close())
	}
	tm, err := OpenTransactionManager(logLock, recLock, schema, &Options{NoSync: true})
	if err != nil {
		return nil, errors.Join(err, logLock.Close(), recLock.Close())
	}
	return tm, nil
}

func TestTransactionManager(t *testing.T) {
	t.Run("logs committed and aborted inserts", func(t *testing.T) {
		dir := t.TempDir()
		tm := setupManager(t, dir)

		id, err := tm.InsertOne(Row{13, 37, 42, "Hello World!"})
		if err != nil {
			t.Fatal(err)
		}
		ids, err := tm.InsertMany([]Row{{23, 23, 90, "Hot pepper sauce!"}, {1, 2, 3, "x"}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tm.InsertOne(Row{1, 2, 3}); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("InsertOne = %v, want ErrInvalidValue", err)
		}
		if tm.Degraded() || tm.AuditErr() != nil {
			t.Errorf("Degraded() = %v, AuditErr() = %v", tm.Degraded(), tm.AuditErr())
		}

		entries, err := ReadTransactionLog(filepath.Join(dir, "Example1Table", TxnLogFileName))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 3 {
			t.Fatalf("got %d entries, want 3", len(entries))
		}
		tests := []struct {
			outcome Outcome
			ids     []RowID
		}{
			{OutcomeCommitted, []RowID{id}},
			{OutcomeCommitted, ids},
			{OutcomeAborted, nil},
		}
		for i, tt := range tests {
			e := entries[i]
			if e.Outcome != tt.outcome || e.Op != OpInsert || e.Table != "Example1Table" {
				t.Errorf("entry %d = %+v", i, e)
			}
			if len(e.RowIDs) != len(tt.ids) {
				t.Errorf("entry %d has %d ids, want %d", i, len(e.RowIDs), len(tt.ids))
				continue
			}
			for j := range tt.ids {
				if e.RowIDs[j] != tt.ids[j] {
					t.Errorf("entry %d id %d = %s, want %s", i, j, e.RowIDs[j], tt.ids[j])
				}
			}
			if e.Time.IsZero() {
				t.Errorf("entry %d has no time", i)
			}
		}
		if entries[2].Error == "" {
			t.Error("aborted entry has no error")
		}
		if entries[0].TxnID == entries[1].TxnID {
			t.Error("transaction ids are not distinct")
		}
	})

	t.Run("queries through the manager", func(t *testing.T) {
		tm := setupManager(t, t.TempDir())
		if _, err := tm.InsertMany([]Row{{13, 37, 42, "Hello World!"}, {23, 23, 90, "Hot pepper sauce!"}}); err != nil {
			t.Fatal(err)
		}
		got, found, err := FirstMatch(tm, []string{"a", "d"}, Where("a", Gt, 20))
		if err != nil || !found {
			t.Fatalf("FirstMatch = %v, %v", found, err)
		}
		if got[0] != uint64(23) || got[1] != "Hot pepper sauce!" {
			t.Errorf("FirstMatch = %v", got)
		}
	})

	t.Run("log failure degrades without undoing the insert", func(t *testing.T) {
		tm := setupManager(t, t.TempDir())
		tm.log.w = &faultyWriter{w: tm.log.w, failOn: 1}
		id, err := tm.InsertOne(Row{1, 2, 3, "kept"})
		if err != nil {
			t.Fatalf("InsertOne = %v", err)
		}
		if !tm.Degraded() {
			t.Error("Degraded() = false")
		}
		if !errors.Is(tm.AuditErr(), errFault) {
			t.Errorf("AuditErr() = %v", tm.AuditErr())
		}
		got, found, err := FirstMatch(tm, []string{IDColumn}, Where("d", Eq, "kept"))
		if err != nil || !found || got[0] != id {
			t.Errorf("FirstMatch = %v, %v, %v", got, found, err)
		}
	})

	t.Run("aborted log failure is not degraded", func(t *testing.T) {
		tm := setupManager(t, t.TempDir())
		tm.log.w = &faultyWriter{w: tm.log.w, failOn: 1}
		if _, err := tm.InsertOne(Row{1}); err == nil {
			t.Fatal("expected error")
		}
		if tm.Degraded() {
			t.Error("Degraded() = true")
		}
		if tm.AuditErr() == nil {
			t.Error("AuditErr() = nil")
		}
	})

	t.Run("partial frame is truncated", func(t *testing.T) {
		dir := t.TempDir()
		tm := setupManager(t, dir)
		if _, err := tm.InsertOne(Row{1, 1, 1, "a"}); err != nil {
			t.Fatal(err)
		}
		tm.log.w = &faultyWriter{w: tm.log.w, failOn: 1, partial: 5}
		if _, err := tm.InsertOne(Row{2, 2, 2, "b"}); err != nil {
			t.Fatal(err)
		}
		entries, err := ReadTransactionLog(filepath.Join(dir, "Example1Table", TxnLogFileName))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("got %d entries, want 1", len(entries))
		}
	})

	t.Run("torn frame is repaired at open", func(t *testing.T) {
		tests := []struct {
			name string
			tail string
		}{
			{"header", "\x00\x00\x00"},
			{"data", "\x00\x00\x00\x40\x00\x00\x00\x00{\"tx"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				dir := t.TempDir()
				schema := mustSchema[example1](t, "Example1Table")
				path := filepath.Join(dir, schema.Name, TxnLogFileName)
				tm := setupManager(t, dir)
				if _, err := tm.InsertOne(Row{1, 1, 1, "a"}); err != nil {
					t.Fatal(err)
				}
				closeManager(tm)
				appendToFile(t, path, tt.tail)

				tm, err := openManager(dir, schema)
				if err != nil {
					t.Fatalf("OpenTransactionManager: %v", err)
				}
				for i := range 3 {
					if _, err := tm.InsertOne(Row{i, i, i, "b"}); err != nil {
						t.Fatal(err)
					}
				}
				closeManager(tm)
				if tm.Degraded() {
					t.Errorf("Degraded() = true: %v", tm.AuditErr())
				}
				entries, err := ReadTransactionLog(path)
				if err != nil {
					t.Fatal(err)
				}
				if len(entries) != 4 {
					t.Fatalf("got %d entries, want 4", len(entries))
				}
				for i, e := range entries {
					if e.Outcome != OutcomeCommitted || len(e.RowIDs) != 1 {
						t.Errorf("entry %d = %+v", i, e)
					}
				}
			})
		}
	})

	t.Run("corrupt frame fails open", func(t *testing.T) {
		dir := t.TempDir()
		schema := mustSchema[example1](t, "Example1Table")
		closeManager(setupManager(t, dir))
		appendToFile(t, filepath.Join(dir, schema.Name, TxnLogFileName), "\x00\x00\x00\x02\x00\x00\x00\x00{}")
		_, err := openManager(dir, schema)
		if !errors.Is(err, ErrCorruptRecords) {
			t.Fatalf("OpenTransactionManager = %v, want ErrCorruptRecords", err)
		}
		var initErr *InitError
		if !errors.As(err, &initErr) {
			t.Errorf("error %T is not *InitError", err)
		}
	})

	t.Run("failed rollback stops later appends", func(t *testing.T) {
		tm := setupManager(t, t.TempDir())
		fw := &faultyWriter{w: io.Discard, failOn: 1, partial: 3}
		tm.log.w = fw
		// Truncation fails on a closed file.
		if err := tm.lock.File().Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := tm.InsertOne(Row{1, 1, 1, "a"}); err != nil {
			t.Fatalf("InsertOne = %v", err)
		}
		broken := tm.log.broken
		if broken == nil || !errors.Is(tm.AuditErr(), broken) || !errors.Is(tm.AuditErr(), errFault) {
			t.Fatalf("AuditErr() = %v, broken = %v", tm.AuditErr(), broken)
		}
		if _, err := tm.InsertOne(Row{2, 2, 2, "b"}); err != nil {
			t.Fatalf("InsertOne = %v", err)
		}
		if fw.calls != 1 {
			t.Errorf("Write called %d times, want 1", fw.calls)
		}
		if err := tm.AuditErr(); err != broken { //nolint:errorlint // identity check
			t.Errorf("AuditErr() = %v, want %v", err, broken)
		}
		if !tm.Degraded() {
			t.Error("Degraded() = false")
		}
		if n := tm.Table().Len(); n != 2 {
			t.Errorf("Len() = %d, want 2", n)
		}
	})

	t.Run("second manager is rejected", func(t *testing.T) {
		dir := t.TempDir()
		tm := setupManager(t, dir)
		schema := tm.Table().Schema()
		if _, err := openManager(dir, schema); !errors.Is(err, ErrLockContention) {
			t.Fatalf("OpenTransactionManager = %v, want ErrLockContention", err)
		}
		// A table alone is rejected too: the manager holds the records lock.
		lock, err := OpenRecordsLock(dir, schema.Name)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = lock.Close() }()
		if _, err := OpenTable(lock, schema, nil); !errors.Is(err, ErrLockContention) {
			t.Fatalf("OpenTable = %v, want ErrLockContention", err)
		}

		if err := tm.Close(); err != nil {
			t.Fatal(err)
		}
		second, err := openManager(dir, schema)
		if err != nil {
			t.Fatalf("OpenTransactionManager after Close: %v", err)
		}
		closeManager(second)
	})

	t.Run("records lock held elsewhere releases the log lock", func(t *testing.T) {
		dir := t.TempDir()
		schema := mustSchema[example1](t, "Example1Table")
		table := setupTable(t, dir, schema)
		if _, err := openManager(dir, schema); !errors.Is(err, ErrLockContention) {
			t.Fatalf("OpenTransactionManager = %v, want ErrLockContention", err)
		}
		if err := table.Close(); err != nil {
			t.Fatal(err)
		}
		tm, err := openManager(dir, schema)
		if err != nil {
			t.Fatalf("OpenTransactionManager: %v", err)
		}
		closeManager(tm)
	})

	t.Run("closed", func(t *testing.T) {
		tm := setupManager(t, t.TempDir())
		if err := tm.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := tm.InsertOne(Row{1, 1, 1, "a"}); !errors.Is(err, ErrClosed) {
			t.Errorf("InsertOne = %v, want ErrClosed", err)
		}
		if _, err := tm.InsertMany([]Row{{1, 1, 1, "a"}}); !errors.Is(err, ErrClosed) {
			t.Errorf("InsertMany = %v, want ErrClosed", err)
		}
	})
}
