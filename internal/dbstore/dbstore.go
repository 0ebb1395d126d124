// Package dbstore provides the single durable-store handle the rest of the
// Core is built on: an embedded SQLite database file with schema-on-open,
// parameterized exec/query helpers, and explicit transactions. All write
// paths are serialized under one process-global mutex per handle; the
// embedded database's own file locking is what coordinates across
// processes.
package dbstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNoRows is returned by QueryOne when no row matches.
var ErrNoRows = sql.ErrNoRows

// Binder fills positional parameters for a prepared statement.
type Binder func() []any

// Mapper scans a single row into a T.
type Mapper[T any] func(scan func(dest ...any) error) (T, error)

// Handle wraps an embedded SQL database file. All public methods acquire
// the handle's mutex for the duration of prepare/bind/step/finalize; the
// mutex guards only thread interleaving within this process, not
// cross-process concurrency, which the embedded DB's file lock handles.
type Handle struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates the database file if absent, applies schema (an idempotent
// batch of `CREATE TABLE IF NOT EXISTS ...` statements), and enables WAL
// journaling plus foreign keys.
func Open(path string, schema string) (*Handle, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("dbstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbstore: apply schema: %w", err)
	}
	return &Handle{db: db}, nil
}

// Close closes the underlying database connection.
func (h *Handle) Close() error {
	return h.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need raw access
// (e.g. to build a transaction-scoped sibling handle).
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Exec runs a statement with parameters produced by bind (nil for none)
// and returns the number of rows affected.
func (h *Handle) Exec(query string, bind Binder) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	args := callBind(bind)
	res, err := h.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("dbstore: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dbstore: rows affected: %w", err)
	}
	return n, nil
}

// QueryOne runs query and maps the first row with mapper. It reports
// (zero, false, nil) when no row matches.
func QueryOne[T any](h *Handle, query string, bind Binder, mapper Mapper[T]) (T, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	rows, err := h.db.Query(query, callBind(bind)...)
	if err != nil {
		return zero, false, fmt.Errorf("dbstore: query_one: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return zero, false, rows.Err()
	}
	v, err := mapper(rows.Scan)
	if err != nil {
		return zero, false, fmt.Errorf("dbstore: query_one scan: %w", err)
	}
	return v, true, rows.Err()
}

// QueryList runs query and maps every row with mapper, in result order.
func QueryList[T any](h *Handle, query string, bind Binder, mapper Mapper[T]) ([]T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.Query(query, callBind(bind)...)
	if err != nil {
		return nil, fmt.Errorf("dbstore: query_list: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := mapper(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("dbstore: query_list scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Exists reports whether query returns at least one row.
func (h *Handle) Exists(query string, bind Binder) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.Query(query, callBind(bind)...)
	if err != nil {
		return false, fmt.Errorf("dbstore: exists: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Tx is an explicit transaction handle. Nested Begin calls are not
// supported; callers must Commit or Rollback before beginning another.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction. The handle's mutex is held for the entire
// transaction lifetime so concurrent callers on this process see it as
// atomic; release it promptly via Commit or Rollback.
func (h *Handle) Begin() (*Tx, error) {
	h.mu.Lock()
	tx, err := h.db.Begin()
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("dbstore: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (h *Handle) unlock() {
	h.mu.Unlock()
}

// Commit commits the transaction and releases the handle's mutex.
func (t *Tx) Commit(h *Handle) error {
	defer h.unlock()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("dbstore: commit: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction and releases the handle's mutex.
// Rolling back a transaction already committed or rolled back is a no-op.
func (t *Tx) Rollback(h *Handle) error {
	defer h.unlock()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("dbstore: rollback: %w", err)
	}
	return nil
}

// Exec runs a statement within the transaction.
func (t *Tx) Exec(query string, bind Binder) (int64, error) {
	res, err := t.tx.Exec(query, callBind(bind)...)
	if err != nil {
		return 0, fmt.Errorf("dbstore: tx exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dbstore: tx rows affected: %w", err)
	}
	return n, nil
}

// QueryOneTx maps the first row of query (run inside t) with mapper.
func QueryOneTx[T any](t *Tx, query string, bind Binder, mapper Mapper[T]) (T, bool, error) {
	var zero T
	rows, err := t.tx.Query(query, callBind(bind)...)
	if err != nil {
		return zero, false, fmt.Errorf("dbstore: tx query_one: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return zero, false, rows.Err()
	}
	v, err := mapper(rows.Scan)
	if err != nil {
		return zero, false, fmt.Errorf("dbstore: tx query_one scan: %w", err)
	}
	return v, true, rows.Err()
}

func callBind(bind Binder) []any {
	if bind == nil {
		return nil
	}
	return bind()
}
