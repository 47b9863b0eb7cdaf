package store

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Filter restricts an operation to rows whose column equals the given value.
type Filter struct {
	Column string
	Value  interface{}
}

func Eq(column string, value interface{}) Filter {
	return Filter{
		Column: column,
		Value:  value,
	}
}

// FormatValue renders a filter value the way it appears in filter expressions.
func FormatValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// String returns the filter in "column=eq.value" form.
func (f Filter) String() string {
	return f.Column + "=eq." + FormatValue(f.Value)
}

// Matches returns true if the given columns satisfy the filter. Values are compared by their JSON
// encodings, so 5 and 5.0 are considered equal.
func (f Filter) Matches(columns map[string]interface{}) bool {
	v, ok := columns[f.Column]
	if !ok {
		return false
	}
	return ValuesEqual(v, f.Value)
}

// ValuesEqual compares two column values by their JSON encodings.
func ValuesEqual(a, b interface{}) bool {
	ab, err := jsoniter.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := jsoniter.Marshal(b)
	if err != nil {
		return false
	}
	if string(ab) == string(bb) {
		return true
	}
	// numbers may be encoded differently depending on their go type
	var af, bf float64
	return jsoniter.Unmarshal(ab, &af) == nil && jsoniter.Unmarshal(bb, &bf) == nil && af == bf
}

type Order struct {
	Column    string
	Ascending bool
}

// Query describes a select operation.
type Query struct {
	Table   string
	Filters []Filter
	Order   *Order

	// If non-zero, at most this many rows are returned.
	Limit int
}
