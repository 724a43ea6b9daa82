package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Prometheus metrics for backend calls.
var (
	backendCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batcher_backend_calls_total",
		Help: "Total backend calls by operation and outcome",
	}, []string{"operation", "outcome"})

	backendCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batcher_backend_call_duration_seconds",
		Help:    "Backend call duration in seconds by operation",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"operation"})
)

// Supported drivers and the goqu dialect each one speaks.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var dialects = map[string]string{
	DriverPostgres: "postgres",
	DriverSQLite:   "sqlite3",
}

// Config holds SQL backend settings.
type Config struct {
	// Driver is "pgx" (PostgreSQL) or "sqlite".
	Driver string `mapstructure:"driver" validate:"oneof=pgx sqlite"`

	// DSN is the driver-specific data source name.
	DSN string `mapstructure:"dsn" validate:"required"`

	// IDColumn is the identifier column used for merged selects and deletes.
	IDColumn string `mapstructure:"id_column" validate:"required"`

	// MaxOpenConns bounds the connection pool. Zero leaves the driver default.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"min=0"`
}

// DefaultConfig returns a local SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:   DriverSQLite,
		DSN:      "file:batcher.db",
		IDColumn: "id",
	}
}

// SQL implements Backend on a relational database through database/sql.
// Queries are built with goqu. On dialects without RETURNING, writes run in a
// transaction that reads the affected rows before or after the write.
type SQL struct {
	db        *sql.DB
	dialect   goqu.DialectWrapper
	idColumn  string
	returning bool
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*SQL, error) {
	if _, ok := dialects[cfg.Driver]; !ok {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return NewSQL(db, cfg.Driver, cfg.IDColumn)
}

// NewSQL wraps an existing connection pool opened with driver.
func NewSQL(db *sql.DB, driver, idColumn string) (*SQL, error) {
	dialect, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if idColumn == "" {
		idColumn = "id"
	}
	return &SQL{
		db:        db,
		dialect:   goqu.Dialect(dialect),
		idColumn:  idColumn,
		returning: dialect == "postgres",
	}, nil
}

// DB returns the underlying connection pool.
func (b *SQL) DB() *sql.DB {
	return b.db
}

// Ping verifies the database is reachable.
func (b *SQL) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the connection pool.
func (b *SQL) Close() error {
	return b.db.Close()
}

func (b *SQL) where(q Query) []exp.Expression {
	var exps []exp.Expression
	if len(q.IDs) > 0 {
		ids := make([]interface{}, len(q.IDs))
		for i, id := range q.IDs {
			ids[i] = id
		}
		exps = append(exps, goqu.C(b.idColumn).In(ids...))
	}
	if len(q.Filter) > 0 {
		exps = append(exps, goqu.Ex(q.Filter))
	}
	return exps
}

func (b *SQL) selectDataset(resource string, q Query) *goqu.SelectDataset {
	ds := b.dialect.From(resource).Prepared(true).Where(b.where(q)...)
	if len(q.Columns) > 0 {
		cols := make([]interface{}, len(q.Columns))
		for i, c := range q.Columns {
			cols[i] = c
		}
		ds = ds.Select(cols...)
	}
	if q.OrderBy != "" {
		if q.Desc {
			ds = ds.Order(goqu.C(q.OrderBy).Desc())
		} else {
			ds = ds.Order(goqu.C(q.OrderBy).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	return ds
}

// observe records call metrics and returns err unchanged.
func observe(op request.Operation, start time.Time, err error) error {
	backendCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	backendCallsTotal.WithLabelValues(string(op), outcome).Inc()
	return err
}

// Select implements Backend.
func (b *SQL) Select(ctx context.Context, resource string, q Query) (rows []request.Row, err error) {
	defer func(start time.Time) { err = observe(request.OpSelect, start, err) }(time.Now())

	query, args, err := b.selectDataset(resource, q).ToSQL()
	if err != nil {
		return nil, Permanent(fmt.Errorf("build select: %w", err))
	}
	return queryRows(ctx, b.db, query, args)
}

// Insert implements Backend.
func (b *SQL) Insert(ctx context.Context, resource string, rows []request.Row) (out []request.Row, err error) {
	defer func(start time.Time) { err = observe(request.OpInsert, start, err) }(time.Now())

	records := make([]interface{}, len(rows))
	for i, row := range rows {
		records[i] = goqu.Record(row)
	}
	ds := b.dialect.Insert(resource).Prepared(true).Rows(records...)

	if b.returning {
		query, args, err := ds.Returning(goqu.Star()).ToSQL()
		if err != nil {
			return nil, Permanent(fmt.Errorf("build insert: %w", err))
		}
		return queryRows(ctx, b.db, query, args)
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, Permanent(fmt.Errorf("build insert: %w", err))
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", resource, err)
	}
	// Without RETURNING the written rows are the payload itself.
	out = make([]request.Row, len(rows))
	for i, row := range rows {
		out[i] = copyRow(row)
	}
	return out, nil
}

// Update implements Backend.
func (b *SQL) Update(ctx context.Context, resource string, q Query, patch request.Row) (out []request.Row, err error) {
	defer func(start time.Time) { err = observe(request.OpUpdate, start, err) }(time.Now())

	ds := b.dialect.Update(resource).Prepared(true).Set(goqu.Record(patch)).Where(b.where(q)...)

	if b.returning {
		query, args, err := ds.Returning(goqu.Star()).ToSQL()
		if err != nil {
			return nil, Permanent(fmt.Errorf("build update: %w", err))
		}
		return queryRows(ctx, b.db, query, args)
	}

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		// Capture identifiers first: the patch may change the filtered columns.
		idQuery, idArgs, err := b.selectDataset(resource, Query{IDs: q.IDs, Filter: q.Filter, Columns: []string{b.idColumn}}).ToSQL()
		if err != nil {
			return Permanent(fmt.Errorf("build update lookup: %w", err))
		}
		matched, err := queryRows(ctx, tx, idQuery, idArgs)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}

		query, args, err := ds.ToSQL()
		if err != nil {
			return Permanent(fmt.Errorf("build update: %w", err))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update %s: %w", resource, err)
		}

		readQuery, readArgs, err := b.selectDataset(resource, Query{IDs: idsOf(matched, b.idColumn)}).ToSQL()
		if err != nil {
			return Permanent(fmt.Errorf("build update readback: %w", err))
		}
		out, err = queryRows(ctx, tx, readQuery, readArgs)
		return err
	})
	return out, err
}

// Delete implements Backend.
func (b *SQL) Delete(ctx context.Context, resource string, q Query) (out []request.Row, err error) {
	defer func(start time.Time) { err = observe(request.OpDelete, start, err) }(time.Now())

	ds := b.dialect.Delete(resource).Prepared(true).Where(b.where(q)...)

	if b.returning {
		query, args, err := ds.Returning(goqu.Star()).ToSQL()
		if err != nil {
			return nil, Permanent(fmt.Errorf("build delete: %w", err))
		}
		return queryRows(ctx, b.db, query, args)
	}

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		readQuery, readArgs, err := b.selectDataset(resource, Query{IDs: q.IDs, Filter: q.Filter}).ToSQL()
		if err != nil {
			return Permanent(fmt.Errorf("build delete lookup: %w", err))
		}
		out, err = queryRows(ctx, tx, readQuery, readArgs)
		if err != nil || len(out) == 0 {
			return err
		}

		query, args, err := ds.ToSQL()
		if err != nil {
			return Permanent(fmt.Errorf("build delete: %w", err))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", resource, err)
		}
		return nil
	})
	return out, err
}

func (b *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// queryRows runs query and scans every row into a column-keyed map.
// goqu only scans into structs, and rows here have no static shape.
func queryRows(ctx context.Context, q queryer, query string, args []interface{}) ([]request.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := []request.Row{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(request.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func idsOf(rows []request.Row, idColumn string) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, fmt.Sprint(row[idColumn]))
	}
	return ids
}

func copyRow(row request.Row) request.Row {
	out := make(request.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
