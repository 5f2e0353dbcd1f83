// Converts caller-supplied values to the storage type of each column.

package colstore

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// Row is one value per schema column, in schema order.
type Row []any

func coerceInt(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u), nil
		}
	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
	default:
	}
	return 0, fmt.Errorf("%w: %v (%T) is not an int", ErrInvalidValue, v, v)
}

func coerceUint(v any) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i := rv.Int(); i >= 0 {
			return uint64(i), nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); f == math.Trunc(f) && f >= 0 && f < math.MaxUint64 {
			return uint64(f), nil
		}
	default:
	}
	return 0, fmt.Errorf("%w: %v (%T) is not a uint", ErrInvalidValue, v, v)
}

func coerceFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	default:
		return 0, fmt.Errorf("%w: %v (%T) is not a float", ErrInvalidValue, v, v)
	}
}

func coerceText(v any) (string, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.String {
		return "", fmt.Errorf("%w: %v (%T) is not text", ErrInvalidValue, v, v)
	}
	s := rv.String()
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidValue, s)
	}
	return s, nil
}

func coerceBool(v any) (bool, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Bool {
		return rv.Bool(), nil
	}
	return false, fmt.Errorf("%w: %v (%T) is not a bool", ErrInvalidValue, v, v)
}

// ParseValue parses the textual form of a value for a column of type t.
func ParseValue(t ColumnType, s string) (any, error) {
	var v any
	var err error
	switch t {
	case ColumnInt:
		v, err = strconv.ParseInt(s, 10, 64)
	case ColumnUint:
		v, err = strconv.ParseUint(s, 10, 64)
	case ColumnFloat:
		v, err = strconv.ParseFloat(s, 64)
	case ColumnText:
		v, err = coerceText(s)
	case ColumnBool:
		v, err = strconv.ParseBool(s)
	default:
		err = t.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q as %s: %w", ErrInvalidValue, s, t, err)
	}
	return v, nil
}
