// Handles schema definition, column types, and reflection-based schema generation.

package colstore

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
)

// IDColumn is the reserved name under which queries can project the RowID.
const IDColumn = "id"

// ColumnType is the storage type of a column.
type ColumnType string

const (
	// ColumnInt stores int64 values.
	ColumnInt ColumnType = "int"
	// ColumnUint stores uint64 values.
	ColumnUint ColumnType = "uint"
	// ColumnFloat stores float64 values.
	ColumnFloat ColumnType = "float"
	// ColumnText stores string values.
	ColumnText ColumnType = "text"
	// ColumnBool stores bool values.
	ColumnBool ColumnType = "bool"
)

// Validate returns an error if t is not a known column type.
func (t ColumnType) Validate() error {
	switch t {
	case ColumnInt, ColumnUint, ColumnFloat, ColumnText, ColumnBool:
		return nil
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown column type %q", string(t))
	}
}

// Column describes one field of the row schema.
type Column struct {
	Name        string     `json:"name" yaml:"name"`
	Type        ColumnType `json:"type" yaml:"type"`
	Unique      bool       `json:"unique,omitempty" yaml:"unique,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// Schema is the fixed row layout of a table.
type Schema struct {
	// Name is the table name; it is also the name of the table directory.
	Name    string   `json:"table" yaml:"name"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Validate checks that the schema is well-formed.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return errors.New("table name is required")
	}
	if s.Name == "." || s.Name == ".." || strings.ContainsAny(s.Name, `/\`) {
		return fmt.Errorf("table name %q is not a valid directory name", s.Name)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, col := range s.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Name == IDColumn {
			return fmt.Errorf("column %d: name %q is reserved", i, IDColumn)
		}
		if seen[col.Name] {
			return fmt.Errorf("column %d: duplicate name %q", i, col.Name)
		}
		seen[col.Name] = true
		if err := col.Type.Validate(); err != nil {
			return fmt.Errorf("column %d (%s): %w", i, col.Name, err)
		}
	}
	return nil
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	return slices.IndexFunc(s.Columns, func(c Column) bool { return c.Name == name })
}

// Equal reports whether both schemas describe the same table layout.
// Descriptions are ignored.
func (s *Schema) Equal(other *Schema) bool {
	if s.Name != other.Name || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		a, b := s.Columns[i], other.Columns[i]
		if a.Name != b.Name || a.Type != b.Type || a.Unique != b.Unique {
			return false
		}
	}
	return true
}

// SchemaFor derives a schema from the exported fields of struct type T.
//
// Column names follow the json tags. Descriptions come from
// `jsonschema:"description=..."` tags and a `colstore:"unique"` tag declares a
// uniqueness constraint.
func SchemaFor[T any](name string) (*Schema, error) {
	structType, err := structTypeOf(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}

	// Generate JSON Schema from type with inline properties (no $ref).
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	js := r.ReflectFromType(structType)

	s := &Schema{Name: name}
	for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
		field, ok := fieldByJSONName(structType, pair.Key)
		if !ok {
			return nil, fmt.Errorf("no field for property %q", pair.Key)
		}
		colType, err := goTypeToColumnType(field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		s.Columns = append(s.Columns, Column{
			Name:        pair.Key,
			Type:        colType,
			Unique:      hasTagOption(field.Tag.Get("colstore"), "unique"),
			Description: pair.Value.Description,
		})
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// RowOf converts a struct (or pointer to struct) into a Row laid out for s.
func RowOf(s *Schema, v any) (Row, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil row", ErrInvalidValue)
		}
		rv = rv.Elem()
	}
	if _, err := structTypeOf(rv.Type()); err != nil {
		return nil, err
	}
	row := make(Row, len(s.Columns))
	for i, col := range s.Columns {
		field, ok := fieldByJSONName(rv.Type(), col.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q has no field for column %q", ErrUnknownColumn, rv.Type(), col.Name)
		}
		row[i] = rv.FieldByIndex(field.Index).Interface()
	}
	return row, nil
}

func structTypeOf(t reflect.Type) (reflect.Type, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}
	return t, nil
}

func fieldByJSONName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := range t.NumField() {
		field := t.Field(i)
		if field.IsExported() && jsonFieldName(&field) == name {
			return field, true
		}
	}
	return reflect.StructField{}, false
}

// jsonFieldName returns the JSON field name for a struct field.
func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	// Handle "name,omitempty" format
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return field.Name
}

func hasTagOption(tag, option string) bool {
	for opt := range strings.SplitSeq(tag, ",") {
		if strings.TrimSpace(opt) == option {
			return true
		}
	}
	return false
}

// goTypeToColumnType maps Go types to column types.
func goTypeToColumnType(t reflect.Type) (ColumnType, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return ColumnInt, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return ColumnUint, nil
	case reflect.Float32, reflect.Float64:
		return ColumnFloat, nil
	case reflect.String:
		return ColumnText, nil
	case reflect.Bool:
		return ColumnBool, nil
	default:
		return "", fmt.Errorf("unsupported column type %s", t)
	}
}
