package spider

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
)

// SeqColumn is the hidden insertion-order column every backend maintains.
const SeqColumn = "_seq"

const maxIdentifierLength = 63

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Record is a single row keyed by column name.
type Record map[string]any

// Row holds column values in schema order.
type Row []any

// ColumnType is the inferred storage type of a column.
type ColumnType string

const (
	TypeBool   ColumnType = "bool"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeString ColumnType = "string"
	TypeTime   ColumnType = "time"
	TypeBytes  ColumnType = "bytes"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeString, TypeTime, TypeBytes:
		return true
	}
	return false
}

// Column is one named, typed field of a table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the fixed column layout of a table. Columns are ordered by name.
type Schema struct {
	Table   string
	Columns []Column
}

// ValidateIdentifier checks a table or column name.
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidArgument, kind)
	}
	if len(name) > maxIdentifierLength || !validIdentifier.MatchString(name) {
		return fmt.Errorf("%w: invalid %s name %q", ErrInvalidArgument, kind, name)
	}
	if name == SeqColumn {
		return fmt.Errorf("%w: %s name %q is reserved", ErrInvalidArgument, kind, name)
	}
	return nil
}

// InferSchema derives a schema from a reference record. Column order is the
// lexical order of the record keys.
func InferSchema(table string, ref Record) (Schema, error) {
	if err := ValidateIdentifier("table", table); err != nil {
		return Schema{}, err
	}
	if len(ref) == 0 {
		return Schema{}, fmt.Errorf("%w: reference record for %q has no fields", ErrInvalidArgument, table)
	}
	names := make([]string, 0, len(ref))
	for name := range ref {
		names = append(names, name)
	}
	slices.Sort(names)
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		if err := ValidateIdentifier("column", name); err != nil {
			return Schema{}, err
		}
		typ, _, err := Normalize(ref[name])
		if err != nil {
			return Schema{}, fmt.Errorf("column %q: %w", name, err)
		}
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return Schema{Table: table, Columns: cols}, nil
}

// Validate checks a schema loaded from a backend catalog.
func (s Schema) Validate() error {
	if err := ValidateIdentifier("table", s.Table); err != nil {
		return err
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: table %q has no columns", ErrInvalidArgument, s.Table)
	}
	for _, c := range s.Columns {
		if err := ValidateIdentifier("column", c.Name); err != nil {
			return err
		}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %q has unknown type %q", ErrInvalidArgument, c.Name, c.Type)
		}
	}
	return nil
}

// Index returns the position of the named column.
func (s Schema) Index(name string) (int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Names lists the column names in schema order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Compatible reports whether two schemas have identical columns.
func (s Schema) Compatible(other Schema) bool {
	return slices.Equal(s.Columns, other.Columns)
}

// Conform converts a record into a schema-ordered row. The record must carry
// exactly the schema's columns with exactly matching types.
func (s Schema) Conform(rec Record) (Row, error) {
	if len(rec) != len(s.Columns) {
		return nil, fmt.Errorf("%w: table %q expects %d fields, got %d",
			ErrSchemaMismatch, s.Table, len(s.Columns), len(rec))
	}
	row := make(Row, len(s.Columns))
	for i, c := range s.Columns {
		raw, ok := rec[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: table %q missing field %q", ErrSchemaMismatch, s.Table, c.Name)
		}
		typ, v, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", ErrSchemaMismatch, c.Name, err)
		}
		if typ != c.Type {
			return nil, fmt.Errorf("%w: field %q is %s, table %q expects %s",
				ErrSchemaMismatch, c.Name, typ, s.Table, c.Type)
		}
		row[i] = v
	}
	return row, nil
}

// TimeLayout is the fixed-width UTC text form of a time column. Values in
// the supported year range sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	minYear = 1
	maxYear = 9999
)

// Normalize classifies a Go value and returns its canonical representation:
// bool, int64, float64, string, time.Time (UTC) or []byte.
func Normalize(v any) (ColumnType, any, error) {
	switch x := v.(type) {
	case bool:
		return TypeBool, x, nil
	case int:
		return TypeInt, int64(x), nil
	case int8:
		return TypeInt, int64(x), nil
	case int16:
		return TypeInt, int64(x), nil
	case int32:
		return TypeInt, int64(x), nil
	case int64:
		return TypeInt, x, nil
	case uint8:
		return TypeInt, int64(x), nil
	case uint16:
		return TypeInt, int64(x), nil
	case uint32:
		return TypeInt, int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return "", nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidArgument, x)
		}
		return TypeInt, int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return "", nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidArgument, x)
		}
		return TypeInt, int64(x), nil
	case float32:
		return TypeFloat, float64(x), nil
	case float64:
		return TypeFloat, x, nil
	case string:
		return TypeString, x, nil
	case time.Time:
		x = x.UTC()
		if y := x.Year(); y < minYear || y > maxYear {
			return "", nil, fmt.Errorf("%w: time %s outside years %d-%d", ErrInvalidArgument, x, minYear, maxYear)
		}
		return TypeTime, x, nil
	case []byte:
		if x == nil {
			return TypeBytes, []byte{}, nil
		}
		return TypeBytes, bytes.Clone(x), nil
	case nil:
		return "", nil, fmt.Errorf("%w: nil values have no column type", ErrInvalidArgument)
	default:
		return "", nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidArgument, v)
	}
}

// Coerce converts a value read back from a backend driver into the canonical
// representation for typ.
func Coerce(typ ColumnType, v any) (any, error) {
	switch typ {
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case int:
			return int64(x), nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case int64:
			return time.Unix(0, x).UTC(), nil
		case string:
			ts, err := time.Parse(TimeLayout, x)
			if err != nil {
				return nil, fmt.Errorf("%w: parse time %q: %w", ErrStorage, x, err)
			}
			return ts, nil
		}
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			if x == nil {
				return []byte{}, nil
			}
			return bytes.Clone(x), nil
		case string:
			return []byte(x), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot read %T as %s", ErrStorage, v, typ)
}

// CompareValues orders two canonical values of the same column type.
func CompareValues(typ ColumnType, a, b any) int {
	switch typ {
	case TypeBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case TypeInt:
		return cmp.Compare(a.(int64), b.(int64))
	case TypeFloat:
		return cmp.Compare(a.(float64), b.(float64))
	case TypeString:
		return strings.Compare(a.(string), b.(string))
	case TypeTime:
		return a.(time.Time).Compare(b.(time.Time))
	case TypeBytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	}
	return 0
}

// Order is the sort direction for ReadLastData.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// ParseOrder accepts "asc" or "desc" in any case. The empty string means DESC.
func ParseOrder(s string) (Order, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(OrderDesc):
		return OrderDesc, nil
	case string(OrderAsc):
		return OrderAsc, nil
	}
	return "", fmt.Errorf("%w: unknown sort order %q", ErrInvalidArgument, s)
}

// Valid reports whether o is ASC or DESC.
func (o Order) Valid() bool {
	return o == OrderAsc || o == OrderDesc
}
