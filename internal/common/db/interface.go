package db

import (
	"context"
	"database/sql"
	"time"
)

// Database abstracts a SQL database connection pool, implemented by
// MySQL and PostgreSQL so callers can swap drivers without changing
// query-issuing code.
type Database interface {
	Querier

	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)
	Prepare(ctx context.Context, query string) (Stmt, error)
	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
	GetDB() interface{}
}

// Transaction abstracts an in-flight SQL transaction.
type Transaction interface {
	Querier
	Prepare(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Stmt abstracts a prepared statement.
type Stmt interface {
	Exec(ctx context.Context, args ...interface{}) (Result, error)
	Query(ctx context.Context, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, args ...interface{}) Row
	Close() error
}

// Rows abstracts *sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
	ColumnTypes() ([]ColumnType, error)
	NextResultSet() bool
}

// Row abstracts *sql.Row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result abstracts sql.Result.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// ColumnType abstracts *sql.ColumnType.
type ColumnType interface {
	Name() string
	DatabaseTypeName() string
	Length() (int64, bool)
	Nullable() (bool, bool)
	DecimalSize() (int64, int64, bool)
	ScanType() interface{}
}

// TxOptions mirrors sql.TxOptions without binding callers to database/sql.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions adapts a *TxOptions into the stdlib's *sql.TxOptions.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

// Stats mirrors sql.DBStats without binding callers to database/sql.
type Stats struct {
	OpenConnections   int
	InUse             int
	Idle              int
	WaitCount         int64
	WaitDuration      time.Duration
	MaxIdleClosed     int64
	MaxLifetimeClosed int64
}

// ConvertSQLStats adapts sql.DBStats into Stats.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		OpenConnections:   s.OpenConnections,
		InUse:             s.InUse,
		Idle:              s.Idle,
		WaitCount:         s.WaitCount,
		WaitDuration:      s.WaitDuration,
		MaxIdleClosed:     s.MaxIdleClosed,
		MaxLifetimeClosed: s.MaxLifetimeClosed,
	}
}
