// Writes and reads the framed, append-only transaction log.

package colstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maruel/colstore/internal/filelock"
	"github.com/maruel/ksid"
)

/*

Transaction log file
──────────────────────────────────
| Frame | Frame | Frame | ...    |
──────────────────────────────────

Each frame:
────────────────────────────────────
| LEN (4) | CRC (4) | DATA (LEN)   |
────────────────────────────────────

LEN and CRC are big endian. CRC is CRC-32 (IEEE) of DATA. DATA is a JSON
encoded LogEntry.

*/

const frameHeaderSize = 8

// maxFrameSize bounds a single entry; a larger length means corruption.
const maxFrameSize = 64 << 20

// Operation is the kind of mutation a log entry describes.
type Operation string

const (
	// OpInsert records the insertion of one or more rows.
	OpInsert Operation = "insert"
	// OpUpdate is reserved for row updates.
	OpUpdate Operation = "update"
	// OpDelete is reserved for row deletions.
	OpDelete Operation = "delete"
)

// Outcome tells whether the mutation was applied.
type Outcome string

const (
	// OutcomeCommitted means the rows are durable in the records file.
	OutcomeCommitted Outcome = "committed"
	// OutcomeAborted means nothing was applied.
	OutcomeAborted Outcome = "aborted"
)

// LogEntry is one transaction log record.
type LogEntry struct {
	TxnID   ksid.ID
	Time    time.Time
	Table   string
	Op      Operation
	RowIDs  []RowID
	Outcome Outcome
	// Error is the failure message of an aborted transaction.
	Error string
}

// logEntryJSON is the on-disk form of LogEntry.
type logEntryJSON struct {
	TxnID   string    `json:"txn"`
	Time    time.Time `json:"time"`
	Table   string    `json:"table"`
	Op      Operation `json:"op"`
	RowIDs  []RowID   `json:"ids,omitempty"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(&logEntryJSON{
		TxnID:   e.TxnID.String(),
		Time:    e.Time,
		Table:   e.Table,
		Op:      e.Op,
		RowIDs:  e.RowIDs,
		Outcome: e.Outcome,
		Error:   e.Error,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var j logEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	id, err := ksid.Parse(j.TxnID)
	if err != nil {
		return fmt.Errorf("invalid transaction id %q: %w", j.TxnID, err)
	}
	*e = LogEntry{
		TxnID:   id,
		Time:    j.Time,
		Table:   j.Table,
		Op:      j.Op,
		RowIDs:  j.RowIDs,
		Outcome: j.Outcome,
		Error:   j.Error,
	}
	return nil
}

func encodeFrame(e *LogEntry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data))) //nolint:gosec // G115: bounded by maxFrameSize in practice
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(data))
	copy(buf[frameHeaderSize:], data)
	return buf, nil
}

// transactionLog appends frames to the locked transaction log file.
type transactionLog struct {
	lock   *filelock.Lock
	noSync bool

	mu     sync.Mutex
	w      io.Writer // lock.File() except in tests
	size   int64
	broken error // set when a failed append could not be undone
}

// newTransactionLog validates the existing frames and truncates a torn
// trailing frame left by a crash, so that new frames stay readable.
func newTransactionLog(lock *filelock.Lock, noSync bool, logger *slog.Logger) (*transactionLog, error) {
	path := lock.Path()
	f, err := os.Open(path) //nolint:gosec // G304: path is the locked log
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	lr := NewLogReader(f)
	for {
		if _, err = lr.Next(); err != nil {
			break
		}
	}
	if cerr := f.Close(); cerr != nil {
		return nil, &IOError{Op: "close", Path: path, Err: cerr}
	}
	size := lr.Offset()
	if !errors.Is(err, io.EOF) {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		logger.Warn("Truncating torn transaction log frame", "path", path, "offset", size)
		if err := lock.File().Truncate(size); err != nil {
			return nil, &IOError{Op: "truncate", Path: path, Err: err}
		}
	}
	return &transactionLog{lock: lock, noSync: noSync, w: lock.File(), size: size}, nil
}

// append writes one entry durably. A partially written frame is truncated
// away so the log stays readable.
func (l *transactionLog) append(e *LogEntry) error {
	frame, err := encodeFrame(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken != nil {
		return l.broken
	}
	path := l.lock.Path()
	n, err := l.w.Write(frame)
	if err == nil && !l.noSync {
		err = l.lock.File().Sync()
	}
	if err != nil {
		err = &IOError{Op: "append to", Path: path, Err: err}
		if n != 0 {
			if terr := l.lock.File().Truncate(l.size); terr != nil {
				l.broken = &IOError{Op: "truncate", Path: path, Err: terr}
				return errors.Join(err, l.broken)
			}
		}
		return err
	}
	l.size += int64(n)
	return nil
}

// LogReader decodes transaction log frames from a stream.
type LogReader struct {
	r      *bufio.Reader
	offset int64
	err    error
}

// NewLogReader returns a reader decoding frames from r.
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed by complete frames.
func (lr *LogReader) Offset() int64 {
	return lr.offset
}

// Next returns the next entry. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a frame; in both cases
// Offset points at the start of the incomplete data, so a reader following a
// growing file can resume from there.
func (lr *LogReader) Next() (*LogEntry, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(lr.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame at offset %d claims %d bytes", ErrCorruptRecords, lr.offset, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(lr.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(hdr[4:8]) {
		return nil, fmt.Errorf("%w: CRC mismatch at offset %d", ErrCorruptRecords, lr.offset)
	}
	e := &LogEntry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: frame at offset %d: %w", ErrCorruptRecords, lr.offset, err)
	}
	lr.offset += int64(frameHeaderSize) + int64(size)
	return e, nil
}

// All iterates over the remaining entries. Iteration stops at the end of the
// stream or at the first error, which is then returned by Err.
func (lr *LogReader) All() iter.Seq[*LogEntry] {
	return func(yield func(*LogEntry) bool) {
		for {
			e, err := lr.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					lr.err = err
				}
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Err returns the error that stopped All, if any.
func (lr *LogReader) Err() error {
	return lr.err
}

// ReadTransactionLog returns every complete entry of the transaction log at
// path. It does not need the log lock.
func ReadTransactionLog(path string) ([]*LogEntry, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is provided by the caller
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	lr := NewLogReader(f)
	var out []*LogEntry
	for e := range lr.All() {
		out = append(out, e)
	}
	if err := lr.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}
