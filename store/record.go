package store

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Record is a single JSON-encoded row.
type Record []byte

// NewRecord encodes v as a Record.
func NewRecord(v interface{}) (Record, error) {
	buf, err := jsoniter.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal record")
	}
	return Record(buf), nil
}

// Decode unmarshals the record into dest.
func (r Record) Decode(dest interface{}) error {
	if len(r) == 0 {
		return fmt.Errorf("empty record")
	}
	return errors.Wrap(jsoniter.Unmarshal(r, dest), "unable to unmarshal record")
}

// Columns decodes the record into a column map.
func (r Record) Columns() (map[string]interface{}, error) {
	var ret map[string]interface{}
	if err := r.Decode(&ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}

// Columns converts a row value (typically a struct with json tags) into a column map.
func Columns(row interface{}) (map[string]interface{}, error) {
	if m, ok := row.(map[string]interface{}); ok {
		return m, nil
	}
	r, err := NewRecord(row)
	if err != nil {
		return nil, err
	}
	return r.Columns()
}
