// Package pgstore implements store.Tables and store.ChangeFeed directly on PostgreSQL.
//
// Rows are exchanged as JSON: selects return to_jsonb of each row, and writes are expanded with
// jsonb_populate_record so that PostgreSQL performs the type conversions. Columns missing from an
// inserted row receive their defaults. Filters compare the text form of a column, which matches
// the semantics of PostgREST's eq operator.
package pgstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/chat-fu/store"
)

type Config struct {
	Pool *pgxpool.Pool

	// Primary key columns by table, used for upserts. Tables that aren't listed use "id".
	PrimaryKeys map[string]string

	// The channel that change notifications are published on. Defaults to DefaultNotifyChannel.
	NotifyChannel string

	// If not given, logrus.StandardLogger() is used.
	Logger logrus.FieldLogger
}

const DefaultNotifyChannel = "chatfu_changes"

type Backend struct {
	config *Config
	logger logrus.FieldLogger
}

var (
	_ store.Tables     = (*Backend)(nil)
	_ store.ChangeFeed = (*Backend)(nil)
)

func New(cfg *Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{
		config: cfg,
		logger: logger,
	}
}

// Connect opens a connection pool, retrying while the server comes up.
func Connect(ctx context.Context, databaseURL string, logger logrus.FieldLogger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid database url")
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	for attempt := 1; ; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		if attempt == 10 {
			return nil, errors.Wrapf(err, "unable to connect after %v attempts", attempt)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("database connection failed")
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Backend) primaryKey(table string) string {
	if pk, ok := b.config.PrimaryKeys[table]; ok {
		return pk
	}
	return "id"
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// convertError translates PostgreSQL errors into *store.Error values.
func convertError(err error, message string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Wrap(&store.Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
		}, message)
	}
	return errors.Wrap(err, message)
}

// where appends a WHERE clause for the filters. Parameters are numbered after the given args.
func where(b *strings.Builder, alias string, filters []store.Filter, args []interface{}) []interface{} {
	for i, f := range filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, store.FormatValue(f.Value))
		fmt.Fprintf(b, "%v.%v::text = $%v", alias, ident(f.Column), len(args))
	}
	return args
}

func buildSelect(query *store.Query) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT to_jsonb(t) FROM %v AS t", ident(query.Table))
	args := where(&b, "t", query.Filters, nil)
	if query.Order != nil {
		direction := "DESC"
		if query.Order.Ascending {
			direction = "ASC"
		}
		fmt.Fprintf(&b, " ORDER BY t.%v %v", ident(query.Order.Column), direction)
	}
	if query.Limit > 0 {
		args = append(args, query.Limit)
		fmt.Fprintf(&b, " LIMIT $%v", len(args))
	}
	return b.String(), args
}

// columns encodes a row and returns its JSON along with its sorted column names.
func columns(row interface{}) (string, []string, error) {
	buf, err := jsoniter.Marshal(row)
	if err != nil {
		return "", nil, errors.Wrap(err, "unable to marshal row")
	}
	var m map[string]jsoniter.RawMessage
	if err := jsoniter.Unmarshal(buf, &m); err != nil {
		return "", nil, errors.Wrap(err, "rows must be objects")
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, ident(name))
	}
	sort.Strings(names)
	return string(buf), names, nil
}

func buildInsert(table, pk string, row interface{}, upsert bool) (string, []interface{}, error) {
	data, names, err := columns(row)
	if err != nil {
		return "", nil, err
	}
	if len(names) == 0 {
		return fmt.Sprintf("INSERT INTO %v DEFAULT VALUES", ident(table)), nil, nil
	}
	list := strings.Join(names, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %v (%v) SELECT %v FROM jsonb_populate_record(NULL::%v, $1::jsonb)", ident(table), list, list, ident(table))
	if upsert {
		fmt.Fprintf(&b, " ON CONFLICT (%v) DO UPDATE SET ", ident(pk))
		for i, name := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%v = EXCLUDED.%v", name, name)
		}
	}
	return b.String(), []interface{}{data}, nil
}

func buildUpdate(table string, values map[string]interface{}, filters []store.Filter) (string, []interface{}, error) {
	data, names, err := columns(values)
	if err != nil {
		return "", nil, err
	} else if len(names) == 0 {
		return "", nil, fmt.Errorf("no values to update")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %v AS t SET ", ident(table))
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v = r.%v", name, name)
	}
	fmt.Fprintf(&b, " FROM jsonb_populate_record(NULL::%v, $1::jsonb) AS r", ident(table))
	args := where(&b, "t", filters, []interface{}{data})
	return b.String(), args, nil
}

func buildDelete(table string, filters []store.Filter) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %v AS t", ident(table))
	args := where(&b, "t", filters, nil)
	return b.String(), args
}

func (b *Backend) Select(ctx context.Context, query *store.Query) ([]store.Record, error) {
	sql, args := buildSelect(query)
	rows, err := b.config.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, convertError(err, "select failed")
	}
	defer rows.Close()

	var ret []store.Record
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return nil, convertError(err, "select failed")
		}
		ret = append(ret, store.Record(buf))
	}
	return ret, convertError(rows.Err(), "select failed")
}

func (b *Backend) exec(ctx context.Context, sql string, args []interface{}, message string) error {
	_, err := b.config.Pool.Exec(ctx, sql, args...)
	return convertError(err, message)
}

func (b *Backend) Insert(ctx context.Context, table string, row interface{}) error {
	sql, args, err := buildInsert(table, b.primaryKey(table), row, false)
	if err != nil {
		return err
	}
	return b.exec(ctx, sql, args, "insert failed")
}

func (b *Backend) Upsert(ctx context.Context, table string, row interface{}) error {
	sql, args, err := buildInsert(table, b.primaryKey(table), row, true)
	if err != nil {
		return err
	}
	return b.exec(ctx, sql, args, "upsert failed")
}

func (b *Backend) Update(ctx context.Context, table string, values map[string]interface{}, filters ...store.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to update every row of %v", table)
	}
	sql, args, err := buildUpdate(table, values, filters)
	if err != nil {
		return err
	}
	return b.exec(ctx, sql, args, "update failed")
}

func (b *Backend) Delete(ctx context.Context, table string, filters ...store.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to delete every row of %v", table)
	}
	sql, args := buildDelete(table, filters)
	return b.exec(ctx, sql, args, "delete failed")
}
