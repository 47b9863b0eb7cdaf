// Package memorystore implements an in-process store.Store. It enforces primary key and unique
// constraints, fills in server-side defaults, and delivers change and presence events the same way
// a remote store would, which makes it suitable for tests and for running without infrastructure.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack"

	"github.com/ccbrown/chat-fu/store"
)

// TimestampFormat is used for server-assigned created_at values. Unlike time.RFC3339Nano, it has a
// fixed width, so timestamps sort lexically.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

type TableOptions struct {
	// The primary key column. Defaults to "id". If the primary key is "id" and an inserted row
	// doesn't have one, a new id is generated.
	PrimaryKey string

	// Columns whose values must be unique within the table.
	Unique []string

	// Values for columns that are missing from inserted rows.
	Defaults map[string]interface{}
}

type table struct {
	options TableOptions

	// msgpack-serialized column maps, in insertion order
	rows []string
}

// Backend is the in-memory store. The zero value is not usable; use NewBackend.
type Backend struct {
	// Now returns the time used for created_at defaults. If nil, time.Now is used.
	Now func() time.Time

	// NewId returns ids for rows inserted without one. If nil, random UUIDs are used.
	NewId func() string

	mutex          sync.Mutex
	tables         map[string]*table
	subscriptions  map[*subscription]struct{}
	presenceSpaces map[string]*presenceSpace
	lastCreatedAt  time.Time
}

var _ store.Store = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{
		tables:         map[string]*table{},
		subscriptions:  map[*subscription]struct{}{},
		presenceSpaces: map[string]*presenceSpace{},
	}
}

// NewChatBackend returns a backend with the tables used by the chat core.
func NewChatBackend() *Backend {
	b := NewBackend()
	b.CreateTable("channels", TableOptions{
		Unique: []string{"name"},
		Defaults: map[string]interface{}{
			"is_private": false,
		},
	})
	b.CreateTable("messages", TableOptions{
		Defaults: map[string]interface{}{
			"likes":   0,
			"replies": 0,
		},
	})
	b.CreateTable("notifications", TableOptions{
		Defaults: map[string]interface{}{
			"read": false,
		},
	})
	b.CreateTable("user_presence", TableOptions{
		PrimaryKey: "user_id",
	})
	return b
}

// CreateTable creates a table, replacing any existing table with the same name.
func (b *Backend) CreateTable(name string, options TableOptions) {
	if options.PrimaryKey == "" {
		options.PrimaryKey = "id"
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.tables[name] = &table{
		options: options,
	}
}

// DropTable removes a table. Subsequent operations on it fail with store.CodeUndefinedTable.
func (b *Backend) DropTable(name string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.tables, name)
}

func serialize(v interface{}) (string, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func deserialize(s string) (map[string]interface{}, error) {
	dec := msgpack.NewDecoder(strings.NewReader(s))
	dec.SetDecodeMapFunc(decodeStringMap)
	var ret map[string]interface{}
	if err := dec.Decode(&ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// decodeStringMap decodes nested maps as map[string]interface{} so that rows can be re-encoded as
// JSON.
func decodeStringMap(d *msgpack.Decoder) (interface{}, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	} else if n == -1 {
		return nil, nil
	}
	m := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		k, err := d.DecodeString()
		if err != nil {
			return nil, err
		}
		if m[k], err = d.DecodeInterface(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// normalize converts row values to the types produced by JSON decoding, so that stored rows compare
// and serialize consistently no matter how they were provided.
func normalize(row interface{}) (map[string]interface{}, error) {
	r, err := store.NewRecord(row)
	if err != nil {
		return nil, err
	}
	return r.Columns()
}

func undefinedTableError(name string) error {
	return &store.Error{
		Code:    store.CodeUndefinedTable,
		Message: fmt.Sprintf(`relation "public.%v" does not exist`, name),
	}
}

func uniqueViolationError(column string) error {
	return &store.Error{
		Code:    store.CodeUniqueViolation,
		Message: fmt.Sprintf(`duplicate key value violates unique constraint on "%v"`, column),
	}
}

func (b *Backend) table(name string) (*table, error) {
	t, ok := b.tables[name]
	if !ok {
		return nil, undefinedTableError(name)
	}
	return t, nil
}

func (b *Backend) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Backend) newId() string {
	if b.NewId != nil {
		return b.NewId()
	}
	return uuid.NewString()
}

// createdAt returns a strictly increasing timestamp so that created_at orders rows by insertion.
func (b *Backend) createdAt() string {
	t := b.now().UTC().Truncate(time.Microsecond)
	if !t.After(b.lastCreatedAt) {
		t = b.lastCreatedAt.Add(time.Microsecond)
	}
	b.lastCreatedAt = t
	return t.Format(TimestampFormat)
}

func (b *Backend) rows(t *table) ([]map[string]interface{}, error) {
	ret := make([]map[string]interface{}, len(t.rows))
	for i, serialized := range t.rows {
		row, err := deserialize(serialized)
		if err != nil {
			return nil, err
		}
		ret[i] = row
	}
	return ret, nil
}

func matchesFilters(row map[string]interface{}, filters []store.Filter) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}

// checkUnique returns an error if row conflicts with any row other than the one at index skip.
func checkUnique(t *table, rows []map[string]interface{}, row map[string]interface{}, skip int) error {
	columns := append([]string{t.options.PrimaryKey}, t.options.Unique...)
	for i, other := range rows {
		if i == skip {
			continue
		}
		for _, column := range columns {
			if v, ok := row[column]; ok && v != nil && store.ValuesEqual(v, other[column]) {
				return uniqueViolationError(column)
			}
		}
	}
	return nil
}

func (b *Backend) Select(ctx context.Context, query *store.Query) ([]store.Record, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, err := b.table(query.Table)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(t)
	if err != nil {
		return nil, err
	}

	var matches []map[string]interface{}
	for _, row := range rows {
		if matchesFilters(row, query.Filters) {
			matches = append(matches, row)
		}
	}

	if order := query.Order; order != nil {
		sort.SliceStable(matches, func(i, j int) bool {
			c := compareValues(matches[i][order.Column], matches[j][order.Column])
			if order.Ascending {
				return c < 0
			}
			return c > 0
		})
	}

	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}

	ret := make([]store.Record, len(matches))
	for i, row := range matches {
		if ret[i], err = store.NewRecord(row); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (b *Backend) Insert(ctx context.Context, tableName string, row interface{}) error {
	return b.insert(tableName, row, false)
}

func (b *Backend) Upsert(ctx context.Context, tableName string, row interface{}) error {
	return b.insert(tableName, row, true)
}

func (b *Backend) insert(tableName string, input interface{}, upsert bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, err := b.table(tableName)
	if err != nil {
		return err
	}
	row, err := normalize(input)
	if err != nil {
		return err
	}
	rows, err := b.rows(t)
	if err != nil {
		return err
	}

	pk := t.options.PrimaryKey
	if upsert {
		for i, existing := range rows {
			if store.ValuesEqual(existing[pk], row[pk]) {
				updated := map[string]interface{}{}
				for k, v := range existing {
					updated[k] = v
				}
				for k, v := range row {
					updated[k] = v
				}
				return b.replace(tableName, t, rows, i, updated)
			}
		}
	}

	if v, ok := row[pk]; (!ok || v == nil || v == "") && pk == "id" {
		row["id"] = b.newId()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = b.createdAt()
	}
	for k, v := range t.options.Defaults {
		if _, ok := row[k]; !ok {
			row[k] = v
		}
	}
	if row, err = normalize(row); err != nil {
		return err
	}

	if err := checkUnique(t, rows, row, -1); err != nil {
		return err
	}

	serialized, err := serialize(row)
	if err != nil {
		return err
	}
	t.rows = append(t.rows, serialized)

	return b.emit(&store.Change{
		Type:  store.EventInsert,
		Table: tableName,
	}, nil, row)
}

// replace swaps the row at index i for the given row and emits an update.
func (b *Backend) replace(tableName string, t *table, rows []map[string]interface{}, i int, row map[string]interface{}) error {
	row, err := normalize(row)
	if err != nil {
		return err
	}
	if err := checkUnique(t, rows, row, i); err != nil {
		return err
	}
	serialized, err := serialize(row)
	if err != nil {
		return err
	}
	t.rows[i] = serialized
	return b.emit(&store.Change{
		Type:  store.EventUpdate,
		Table: tableName,
	}, rows[i], row)
}

func (b *Backend) Update(ctx context.Context, tableName string, values map[string]interface{}, filters ...store.Filter) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, err := b.table(tableName)
	if err != nil {
		return err
	}
	rows, err := b.rows(t)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if !matchesFilters(row, filters) {
			continue
		}
		updated := map[string]interface{}{}
		for k, v := range row {
			updated[k] = v
		}
		for k, v := range values {
			updated[k] = v
		}
		if err := b.replace(tableName, t, rows, i, updated); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, tableName string, filters ...store.Filter) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, err := b.table(tableName)
	if err != nil {
		return err
	}
	rows, err := b.rows(t)
	if err != nil {
		return err
	}
	remaining := t.rows[:0]
	var deleted []map[string]interface{}
	for i, row := range rows {
		if matchesFilters(row, filters) {
			deleted = append(deleted, row)
		} else {
			remaining = append(remaining, t.rows[i])
		}
	}
	t.rows = remaining
	for _, row := range deleted {
		if err := b.emit(&store.Change{
			Type:  store.EventDelete,
			Table: tableName,
		}, row, nil); err != nil {
			return err
		}
	}
	return nil
}

// emit queues the change for every matching subscription. It must be invoked with the mutex held,
// which keeps deliveries in the order the changes were made.
func (b *Backend) emit(change *store.Change, old, new map[string]interface{}) error {
	var err error
	if old != nil {
		if change.Old, err = store.NewRecord(old); err != nil {
			return err
		}
	}
	if new != nil {
		if change.New, err = store.NewRecord(new); err != nil {
			return err
		}
	}
	for sub := range b.subscriptions {
		if sub.spec.Matches(change) {
			change := *change
			handler := sub.handler
			sub.queue.Enqueue(func() {
				handler(&change)
			})
		}
	}
	return nil
}

// compareValues orders column values. Values of different types are ordered by type: nil, bools,
// numbers, strings, then everything else.
func compareValues(a, b interface{}) int {
	rank := func(v interface{}) int {
		switch v.(type) {
		case nil:
			return 0
		case bool:
			return 1
		case float64:
			return 2
		case string:
			return 3
		}
		return 4
	}
	if ra, rb := rank(a), rank(b); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a := a.(type) {
	case nil:
		return 0
	case bool:
		if a == b.(bool) {
			return 0
		} else if !a {
			return -1
		}
		return 1
	case float64:
		if b := b.(float64); a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	case string:
		if b := b.(string); a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if as < bs {
		return -1
	} else if as > bs {
		return 1
	}
	return 0
}
