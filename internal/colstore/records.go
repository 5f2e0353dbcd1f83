// Reads and appends the durable JSONL records file backing a table.

package colstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/maruel/colstore/internal/filelock"
)

// recordsVersion is the version of the records file format.
const recordsVersion = "1"

// recordsHeader is the first line of a records file.
type recordsHeader struct {
	Version string `json:"version"`
	Schema
}

// recordEntry is one line after the header.
//
// A tombstone entry carries no row and logically deletes the earlier entry
// with the same ID.
type recordEntry struct {
	ID        RowID             `json:"id"`
	Tombstone bool              `json:"tombstone"`
	Row       []json.RawMessage `json:"row,omitempty"`
}

// recordsFile appends entries to the locked records file.
type recordsFile struct {
	lock   *filelock.Lock
	w      io.Writer // lock.File() except in tests
	size   int64
	noSync bool
	broken error // set when a failed append could not be undone
}

func newRecordsFile(lock *filelock.Lock, noSync bool) *recordsFile {
	return &recordsFile{lock: lock, w: lock.File(), noSync: noSync}
}

// replay loads the file into store, writing the header if the file is empty.
// It truncates a torn trailing line left by an interrupted append.
func (rf *recordsFile) replay(store *ColumnStore, logger *slog.Logger) error {
	path := rf.lock.Path()
	f, err := os.Open(path) //nolint:gosec // G304: path is the table records file
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	r := bufio.NewReader(f)
	var offset int64
	lineNo := 0
	var headerSeen bool
	var entries []recordEntry
	live := make(map[RowID]int)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return &IOError{Op: "read", Path: path, Err: err}
		}
		if errors.Is(err, io.EOF) {
			if len(line) != 0 {
				logger.Warn("Truncating torn records entry", "path", path, "offset", offset, "bytes", len(line))
				if err := rf.lock.File().Truncate(offset); err != nil {
					return &IOError{Op: "truncate", Path: path, Err: err}
				}
			}
			break
		}
		lineNo++
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !headerSeen {
			if err := checkHeader(line, store.schema); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			headerSeen = true
			continue
		}
		var e recordEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: %s line %d: %w", ErrCorruptRecords, path, lineNo, err)
		}
		if e.Tombstone {
			if i, ok := live[e.ID]; ok {
				entries[i].Tombstone = true
				delete(live, e.ID)
			}
			continue
		}
		if _, dup := live[e.ID]; dup {
			return fmt.Errorf("%w: %s line %d: duplicate id %s", ErrCorruptRecords, path, lineNo, e.ID)
		}
		if len(e.Row) != len(store.cols) {
			return fmt.Errorf("%w: %s line %d: got %d values, want %d", ErrCorruptRecords, path, lineNo, len(e.Row), len(store.cols))
		}
		live[e.ID] = len(entries)
		entries = append(entries, e)
	}
	rf.size = offset

	if !headerSeen {
		if err := rf.writeHeader(store.schema); err != nil {
			return err
		}
	}

	// Decode only the surviving rows; the store is not shared yet.
	rows := make([][]any, 0, len(live))
	for _, e := range entries {
		if e.Tombstone {
			continue
		}
		row := make([]any, len(store.cols))
		for i, c := range store.cols {
			v, err := c.decode(e.Row[i])
			if err != nil {
				return fmt.Errorf("%w: %s row %s: %w", ErrCorruptRecords, path, e.ID, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := store.checkUniqueLocked(rows); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptRecords, path, err)
	}
	i := 0
	for _, e := range entries {
		if e.Tombstone {
			continue
		}
		store.appendLocked(e.ID, rows[i])
		i++
	}
	return nil
}

func checkHeader(line []byte, schema *Schema) error {
	var h recordsHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return fmt.Errorf("%w: invalid header: %w", ErrCorruptRecords, err)
	}
	if h.Version != recordsVersion {
		return fmt.Errorf("%w: unsupported records version %q", ErrCorruptRecords, h.Version)
	}
	if !h.Schema.Equal(schema) {
		return fmt.Errorf("%w: file describes %q with %d columns", ErrSchemaMismatch, h.Name, len(h.Columns))
	}
	return nil
}

func (rf *recordsFile) writeHeader(schema *Schema) error {
	data, err := json.Marshal(recordsHeader{Version: recordsVersion, Schema: *schema})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	data = append(data, '\n')
	if err := rf.appendLines([][]byte{data}); err != nil {
		return err
	}
	return nil
}

// encodeEntry returns the JSON line for a new row.
func encodeEntry(id RowID, row []any) ([]byte, error) {
	e := recordEntry{ID: id, Row: make([]json.RawMessage, len(row))}
	for i, v := range row {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value %d: %w", i, err)
		}
		e.Row[i] = raw
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

// appendLines writes each line then syncs. On failure the file is truncated
// back to its previous size. If that truncation fails too, the file no longer
// matches memory and rf.broken is set.
func (rf *recordsFile) appendLines(lines [][]byte) error {
	path := rf.lock.Path()
	if rf.broken != nil {
		return rf.broken
	}
	start := rf.size
	written := int64(0)
	var err error
	for _, line := range lines {
		var n int
		n, err = rf.w.Write(line)
		written += int64(n)
		if err != nil {
			err = &IOError{Op: "append to", Path: path, Err: err}
			break
		}
	}
	if err == nil && !rf.noSync {
		if serr := rf.lock.File().Sync(); serr != nil {
			err = &IOError{Op: "sync", Path: path, Err: serr}
		}
	}
	if err == nil {
		rf.size = start + written
		return nil
	}
	if written != 0 {
		if terr := rf.lock.File().Truncate(start); terr != nil {
			rf.broken = &IOError{Op: "truncate", Path: path, Err: terr}
			return errors.Join(err, rf.broken)
		}
	}
	return err
}
