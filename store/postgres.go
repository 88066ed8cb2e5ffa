// Package store provides the Postgres implementation of the simflow Store.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/deepnoodle-ai/simflow"
	"github.com/deepnoodle-ai/simflow/retry"
)

// Postgres error codes the store reacts to
const (
	codeUndefinedTable       = "42P01"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeCannotConnectNow     = "57P03"
	classConnectionException = "08"
)

// PostgresOptions configures a Postgres store
type PostgresOptions struct {
	DSN string

	// Name identifies the store for the run lock. Defaults to the DSN.
	Name string

	// MultiWriter declares that the database accepts concurrent writers
	MultiWriter bool

	Retry  []retry.Option
	Logger *slog.Logger
}

// Postgres is a simflow.Store backed by a Postgres database
type Postgres struct {
	db           *sql.DB
	identity     string
	singleWriter bool
	retry        []retry.Option
	logger       *slog.Logger
}

var _ simflow.Store = (*Postgres)(nil)

// OpenPostgres connects to the database named by the DSN
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	p := NewPostgres(db, opts)
	if err := p.withRetry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return p, nil
}

// NewPostgres wraps an open database handle
func NewPostgres(db *sql.DB, opts PostgresOptions) *Postgres {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	identity := opts.Name
	if identity == "" {
		identity = opts.DSN
	}
	return &Postgres{
		db:           db,
		identity:     "postgres:" + identity,
		singleWriter: !opts.MultiWriter,
		retry:        opts.Retry,
		logger:       opts.Logger,
	}
}

// DB returns the underlying handle
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Identity() string {
	return p.identity
}

func (p *Postgres) SingleWriter() bool {
	return p.singleWriter
}

// WithConnection runs fn on a dedicated connection, which is released when
// fn returns
func (p *Postgres) WithConnection(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (p *Postgres) TryCount(ctx context.Context, table, yearColumn string, year int) (int64, bool, error) {
	query, args := filtered("SELECT count(*) FROM "+quoteTable(table), yearColumn, year)
	var count int64
	found, err := p.queryRow(ctx, query, args, &count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, found, nil
}

func (p *Postgres) DeleteByYear(ctx context.Context, table, yearColumn string, year int) (int64, error) {
	if yearColumn == "" {
		return 0, fmt.Errorf("refusing to delete from %s without a year column", table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteTable(table), pq.QuoteIdentifier(yearColumn))
	var deleted int64
	err := p.withRetry(ctx, func() error {
		res, err := p.db.ExecContext(ctx, query, year)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if isUndefinedTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete year %d from %s: %w", year, table, err)
	}
	return deleted, nil
}

func (p *Postgres) CountDuplicates(ctx context.Context, table, keyColumn, yearColumn string, year int) (int64, bool, error) {
	key := pq.QuoteIdentifier(keyColumn)
	inner, args := filtered(fmt.Sprintf("SELECT %s FROM %s", key, quoteTable(table)), yearColumn, year)
	query := fmt.Sprintf("SELECT count(*) FROM (%s GROUP BY %s HAVING count(*) > 1) AS dups", inner, key)
	var dups int64
	found, err := p.queryRow(ctx, query, args, &dups)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count duplicate %s in %s: %w", keyColumn, table, err)
	}
	return dups, found, nil
}

func (p *Postgres) Summarize(ctx context.Context, table, column, yearColumn string, year int) (simflow.ColumnSummary, bool, error) {
	col := pq.QuoteIdentifier(column) + "::double precision"
	query, args := filtered(fmt.Sprintf(
		"SELECT count(%[1]s), coalesce(min(%[1]s), 0), coalesce(max(%[1]s), 0), coalesce(avg(%[1]s), 0), coalesce(sum(%[1]s), 0) FROM %[2]s",
		col, quoteTable(table)), yearColumn, year)
	var s simflow.ColumnSummary
	found, err := p.queryRow(ctx, query, args, &s.Count, &s.Min, &s.Max, &s.Mean, &s.Sum)
	if err != nil {
		return simflow.ColumnSummary{}, false, fmt.Errorf("failed to summarize %s.%s: %w", table, column, err)
	}
	return s, found, nil
}

// queryRow scans a single row. A missing table is reported as not found.
func (p *Postgres) queryRow(ctx context.Context, query string, args []any, dest ...any) (bool, error) {
	err := p.withRetry(ctx, func() error {
		return p.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
	if isUndefinedTable(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) withRetry(ctx context.Context, fn func() error) error {
	opts := append([]retry.Option{
		retry.WithNotify(func(err error, wait time.Duration) {
			p.logger.Warn("transient postgres error; retrying", "wait", wait, "error", err)
		}),
	}, p.retry...)
	return retry.Do(ctx, func() error { return classify(fn()) }, opts...)
}

// classify marks transient Postgres failures as recoverable and every other
// database error as final
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.NewRecoverableError(err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code.Class() == classConnectionException,
		pqErr.Code == codeSerializationFailure,
		pqErr.Code == codeDeadlockDetected,
		pqErr.Code == codeTooManyConnections,
		pqErr.Code == codeCannotConnectNow:
		return retry.NewRecoverableError(err)
	default:
		return retry.NewNonRecoverableError(err)
	}
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUndefinedTable
}

func filtered(query, yearColumn string, year int) (string, []any) {
	if yearColumn == "" {
		return query, nil
	}
	return fmt.Sprintf("%s WHERE %s = $1", query, pq.QuoteIdentifier(yearColumn)), []any{year}
}

// quoteTable quotes a table name that may be qualified with a schema
func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}
