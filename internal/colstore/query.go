// Implements the first-match query primitive.

package colstore

import (
	"errors"
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op int

const (
	// Eq matches values equal to the operand.
	Eq Op = iota
	// Ne matches values different from the operand.
	Ne
	// Lt matches values less than the operand.
	Lt
	// Le matches values less than or equal to the operand.
	Le
	// Gt matches values greater than the operand.
	Gt
	// Ge matches values greater than or equal to the operand.
	Ge
)

var opSymbols = [...]string{Eq: "=", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">="}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opSymbols) {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opSymbols[o]
}

func (o Op) holds(c int) bool {
	switch o {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	default:
		return false
	}
}

// Predicate is a boolean condition on one column.
type Predicate struct {
	Column string
	Op     Op
	Value  any
	fn     func(v any) bool
}

// Where returns the predicate "column op value". The value is converted to
// the column type when the query runs.
func Where(column string, op Op, value any) Predicate {
	return Predicate{Column: column, Op: op, Value: value}
}

// WhereFunc returns a predicate calling fn with the column value of each
// scanned row. Queries using it are not memoized.
func WhereFunc(column string, fn func(v any) bool) Predicate {
	return Predicate{Column: column, fn: fn}
}

func (p Predicate) String() string {
	if p.fn != nil {
		return p.Column + " matches func"
	}
	return fmt.Sprintf("%s %s %v", p.Column, p.Op, p.Value)
}

// ParsePredicate parses "column<op>value" where op is one of
// = == != < <= > >=. The value is parsed according to the column type.
func ParsePredicate(schema *Schema, s string) (Predicate, error) {
	i := strings.IndexAny(s, "=!<>")
	if i <= 0 {
		return Predicate{}, fmt.Errorf("invalid predicate %q: expected column, operator and value", s)
	}
	name := strings.TrimSpace(s[:i])
	rest := s[i:]
	var op Op
	var sym string
	// Longest symbols first.
	for _, cand := range []struct {
		sym string
		op  Op
	}{{"==", Eq}, {"!=", Ne}, {"<=", Le}, {">=", Ge}, {"=", Eq}, {"<", Lt}, {">", Gt}} {
		if strings.HasPrefix(rest, cand.sym) {
			op, sym = cand.op, cand.sym
			break
		}
	}
	if sym == "" {
		return Predicate{}, fmt.Errorf("invalid predicate %q: unknown operator", s)
	}
	raw := strings.TrimSpace(rest[len(sym):])
	var colType ColumnType
	if name == IDColumn {
		colType = ColumnText
	} else {
		idx := schema.Index(name)
		if idx < 0 {
			return Predicate{}, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		colType = schema.Columns[idx].Type
	}
	v, err := ParseValue(colType, raw)
	if err != nil {
		return Predicate{}, err
	}
	return Where(name, op, v), nil
}

// Source is anything exposing a column store: a [Table] or a
// [TransactionManager].
type Source interface {
	Columns() *ColumnStore
}

// compiled is a predicate bound to a column with a coerced operand.
type compiled struct {
	p   Predicate
	col int // -1 for IDColumn
	v   any
}

func (c *compiled) eval(s *ColumnStore, row int) bool {
	if c.col < 0 {
		id := s.ids[row]
		if c.p.fn != nil {
			return c.p.fn(id)
		}
		return c.p.Op.holds(strings.Compare(id.String(), c.v.(string)))
	}
	col := s.cols[c.col]
	if c.p.fn != nil {
		return c.p.fn(col.get(row))
	}
	return c.p.Op.holds(col.compareAt(row, c.v))
}

// FirstMatch scans rows in insertion order and returns the projection of the
// first row for which every predicate holds. Predicates are evaluated in
// order and evaluation stops at the first one failing for a row.
//
// Only rows committed when the scan starts are visible. The scan holds read
// locks on the columns it touches, so inserts running concurrently fail with
// ErrLockContention instead of waiting. No matching row is not an error: it
// returns (nil, false, nil).
func FirstMatch(src Source, projection []string, preds ...Predicate) (Row, bool, error) {
	s := src.Columns()
	if s == nil {
		return nil, false, ErrClosed
	}
	if len(projection) == 0 {
		return nil, false, errors.New("projection is empty")
	}
	proj := make([]int, len(projection))
	for i, name := range projection {
		idx, err := s.lookup(name)
		if err != nil {
			return nil, false, err
		}
		proj[i] = idx
	}
	cps := make([]compiled, len(preds))
	cacheable := s.matches != nil && len(preds) != 0
	var key strings.Builder
	for i, p := range preds {
		idx, err := s.lookup(p.Column)
		if err != nil {
			return nil, false, err
		}
		cps[i] = compiled{p: p, col: idx}
		if p.fn != nil {
			cacheable = false
			continue
		}
		if p.Op < Eq || p.Op > Ge {
			return nil, false, fmt.Errorf("invalid operator %v on column %q", p.Op, p.Column)
		}
		if idx < 0 {
			str, ok := p.Value.(string)
			if !ok {
				if id, isID := p.Value.(RowID); isID {
					str = id.String()
				} else {
					return nil, false, fmt.Errorf("%w: %v (%T) is not a row id", ErrInvalidValue, p.Value, p.Value)
				}
			}
			cps[i].v = str
		} else {
			v, err := s.cols[idx].coerce(p.Value)
			if err != nil {
				return nil, false, err
			}
			cps[i].v = v
		}
		_, _ = fmt.Fprintf(&key, "%s\x00%d\x00%#v\x00", p.Column, p.Op, cps[i].v)
	}

	touched := append([]int{}, proj...)
	for i := range cps {
		touched = append(touched, cps[i].col)
	}
	n, release := s.readLock(touched)
	defer release()

	project := func(row int) Row {
		out := make(Row, len(proj))
		for i, idx := range proj {
			if idx < 0 {
				out[i] = s.ids[row]
			} else {
				out[i] = s.cols[idx].get(row)
			}
		}
		return out
	}

	start := 0
	if cacheable {
		if st, ok := s.matches.get(key.String()); ok {
			if st.index >= 0 && st.index < n {
				return project(st.index), true, nil
			}
			if st.index < 0 && st.scanned <= n {
				start = st.scanned
			}
		}
	}
	for row := start; row < n; row++ {
		ok := true
		for i := range cps {
			if !cps[i].eval(s, row) {
				ok = false
				break
			}
		}
		if ok {
			if cacheable {
				s.matches.set(key.String(), matchState{index: row})
			}
			return project(row), true, nil
		}
	}
	if cacheable {
		s.matches.set(key.String(), matchState{scanned: n, index: -1})
	}
	return nil, false, nil
}
