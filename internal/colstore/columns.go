// Implements the in-memory columnar storage backing a table.

package colstore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"sync"
)

// column is one typed, independently locked value sequence.
//
// Methods other than the lock methods require the caller to hold the
// appropriate lock.
type column interface {
	def() Column

	tryLock() bool
	unlock()
	rlock()
	runlock()

	length() int
	// coerce converts v to the column storage type, boxed.
	coerce(v any) (any, error)
	// firstConflict returns the index of the first coerced value that
	// violates the uniqueness constraint, or -1.
	firstConflict(vals []any) int
	push(v any)
	truncate(n int)
	get(i int) any
	// compareAt compares the value at row i with a coerced value.
	compareAt(i int, v any) int
	decode(raw json.RawMessage) (any, error)
}

type typedColumn[V any] struct {
	mu       sync.RWMutex
	col      Column
	values   []V
	coerceFn func(any) (V, error)
	cmpFn    func(a, b V) int
	unique   *uniqueIndex[V] // nil unless col.Unique
}

func newTypedColumn[V any](col Column, coerceFn func(any) (V, error), cmpFn func(a, b V) int) *typedColumn[V] {
	c := &typedColumn[V]{col: col, coerceFn: coerceFn, cmpFn: cmpFn}
	if col.Unique {
		c.unique = newUniqueIndex(cmpFn)
	}
	return c
}

func newColumn(col Column) (column, error) {
	switch col.Type {
	case ColumnInt:
		return newTypedColumn(col, coerceInt, cmp.Compare[int64]), nil
	case ColumnUint:
		return newTypedColumn(col, coerceUint, cmp.Compare[uint64]), nil
	case ColumnFloat:
		return newTypedColumn(col, coerceFloat, cmp.Compare[float64]), nil
	case ColumnText:
		return newTypedColumn(col, coerceText, cmp.Compare[string]), nil
	case ColumnBool:
		return newTypedColumn(col, coerceBool, compareBool), nil
	default:
		return nil, col.Type.Validate()
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func (c *typedColumn[V]) def() Column { return c.col }
func (c *typedColumn[V]) tryLock() bool { return c.mu.TryLock() }
func (c *typedColumn[V]) unlock()       { c.mu.Unlock() }
func (c *typedColumn[V]) rlock()        { c.mu.RLock() }
func (c *typedColumn[V]) runlock()      { c.mu.RUnlock() }
func (c *typedColumn[V]) length() int   { return len(c.values) }
func (c *typedColumn[V]) get(i int) any { return c.values[i] }

func (c *typedColumn[V]) coerce(v any) (any, error) {
	x, err := c.coerceFn(v)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", c.col.Name, err)
	}
	return x, nil
}

func (c *typedColumn[V]) firstConflict(vals []any) int {
	if c.unique == nil {
		return -1
	}
	typed := make([]V, len(vals))
	for i, v := range vals {
		typed[i] = v.(V)
	}
	return c.unique.firstConflict(typed)
}

func (c *typedColumn[V]) push(v any) {
	x := v.(V)
	c.values = append(c.values, x)
	if c.unique != nil {
		c.unique.add(x)
	}
}

func (c *typedColumn[V]) truncate(n int) {
	if n >= len(c.values) {
		return
	}
	if c.unique != nil {
		for _, x := range c.values[n:] {
			c.unique.remove(x)
		}
	}
	clear(c.values[n:])
	c.values = c.values[:n]
}

func (c *typedColumn[V]) compareAt(i int, v any) int {
	return c.cmpFn(c.values[i], v.(V))
}

func (c *typedColumn[V]) decode(raw json.RawMessage) (any, error) {
	var x V
	if err := json.Unmarshal(raw, &x); err != nil {
		return nil, fmt.Errorf("column %q: %w", c.col.Name, err)
	}
	return x, nil
}

// ColumnStore holds one value sequence per schema column plus the parallel
// identifier sequence. Row r is the tuple of values at index r.
//
// The sequences are independently locked. Mutators take every lock with
// TryLock in a fixed order (identifiers first, then columns in schema order)
// so that no reader observes a partially written row and no two mutators can
// deadlock. Readers take read locks in the same order.
//
// Only the owning [Table] mutates a ColumnStore.
type ColumnStore struct {
	schema *Schema

	idMu sync.RWMutex
	ids  []RowID

	cols    []column
	matches *matchCache
}

func newColumnStore(schema *Schema, cacheEntries int64) (*ColumnStore, error) {
	s := &ColumnStore{schema: schema, cols: make([]column, len(schema.Columns))}
	for i, col := range schema.Columns {
		c, err := newColumn(col)
		if err != nil {
			return nil, err
		}
		s.cols[i] = c
	}
	if cacheEntries >= 0 {
		m, err := newMatchCache(cacheEntries)
		if err != nil {
			return nil, err
		}
		s.matches = m
	}
	return s, nil
}

// Schema returns the schema the store was created with.
func (s *ColumnStore) Schema() *Schema {
	return s.schema
}

// Len returns the number of committed rows.
func (s *ColumnStore) Len() int {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return len(s.ids)
}

// ColumnLen returns the length of a single column sequence. IDColumn
// designates the identifier sequence.
func (s *ColumnStore) ColumnLen(name string) (int, error) {
	if name == IDColumn {
		return s.Len(), nil
	}
	i := s.schema.Index(name)
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	c := s.cols[i]
	c.rlock()
	defer c.runlock()
	return c.length(), nil
}

// ID returns the identifier of row i.
func (s *ColumnStore) ID(i int) RowID {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.ids[i]
}

// tryLockAll takes the identifier lock then every column lock, in order.
// On failure it releases what it took.
func (s *ColumnStore) tryLockAll() error {
	if !s.idMu.TryLock() {
		return fmt.Errorf("%w: identifier column is busy", ErrLockContention)
	}
	for i, c := range s.cols {
		if !c.tryLock() {
			for j := i - 1; j >= 0; j-- {
				s.cols[j].unlock()
			}
			s.idMu.Unlock()
			return fmt.Errorf("%w: column %q is busy", ErrLockContention, c.def().Name)
		}
	}
	return nil
}

func (s *ColumnStore) unlockAll() {
	for i := len(s.cols) - 1; i >= 0; i-- {
		s.cols[i].unlock()
	}
	s.idMu.Unlock()
}

// The methods below require tryLockAll.

func (s *ColumnStore) lenLocked() int {
	return len(s.ids)
}

func (s *ColumnStore) appendLocked(id RowID, row []any) {
	s.ids = append(s.ids, id)
	for i, c := range s.cols {
		c.push(row[i])
	}
}

// truncateLocked rolls every sequence back to n rows.
func (s *ColumnStore) truncateLocked(n int) {
	for _, c := range s.cols {
		c.truncate(n)
	}
	if n < len(s.ids) {
		s.ids = s.ids[:n]
	}
}

// checkUniqueLocked verifies that rows (already coerced) do not collide with
// stored values nor with each other on any unique column.
func (s *ColumnStore) checkUniqueLocked(rows [][]any) error {
	for i, c := range s.cols {
		if !c.def().Unique {
			continue
		}
		vals := make([]any, len(rows))
		for r, row := range rows {
			vals[r] = row[i]
		}
		if r := c.firstConflict(vals); r >= 0 {
			return &ConstraintError{Column: c.def().Name, Value: vals[r]}
		}
	}
	return nil
}

// coerceRow converts row to the column storage types. It needs no lock.
func (s *ColumnStore) coerceRow(row Row) ([]any, error) {
	if len(row) != len(s.cols) {
		return nil, fmt.Errorf("%w: row has %d values, table %q has %d columns", ErrInvalidValue, len(row), s.schema.Name, len(s.cols))
	}
	out := make([]any, len(row))
	for i, c := range s.cols {
		v, err := c.coerce(row[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// lookup resolves a column name. IDColumn yields -1.
func (s *ColumnStore) lookup(name string) (int, error) {
	if name == IDColumn {
		return -1, nil
	}
	i := s.schema.Index(name)
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return i, nil
}

// readLock takes read locks on the identifier sequence and on the listed
// columns, in schema order, and returns the row count at that instant with
// the release function.
func (s *ColumnStore) readLock(cols []int) (int, func()) {
	set := make([]bool, len(s.cols))
	for _, i := range cols {
		if i >= 0 {
			set[i] = true
		}
	}
	s.idMu.RLock()
	n := len(s.ids)
	var locked []column
	for i, c := range s.cols {
		if set[i] {
			c.rlock()
			locked = append(locked, c)
		}
	}
	return n, func() {
		for j := len(locked) - 1; j >= 0; j-- {
			locked[j].runlock()
		}
		s.idMu.RUnlock()
	}
}

// rowLocked returns row i; the caller holds read locks on all columns.
func (s *ColumnStore) rowLocked(i int) Row {
	row := make(Row, len(s.cols))
	for j, c := range s.cols {
		row[j] = c.get(i)
	}
	return row
}

func (s *ColumnStore) close() {
	if s.matches != nil {
		s.matches.close()
	}
}
