// Package storage wraps the embedded SQL engine C2 of spec.md treats as an
// external collaborator: a synchronous execute(Request) -> Cursor black
// box, backed here by database/sql and the mattn/go-sqlite3 driver (the
// same driver the teacher repo registers for its own auth store and
// migration runner).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tinysqlapi/broker/wire"
)

// Executor serializes access to one SQLite-compatible database handle.
// Spec §3 invariant: at most one SQL statement executes concurrently in
// C2; Executor enforces this with a plain mutex since only C4's dispatcher
// goroutine calls Execute, one request at a time — the lock exists to make
// that invariant explicit
// and to protect Rebind (spec §4.4 ChangeDB) against a concurrent Execute.
type Executor struct {
	mu       sync.Mutex
	db       *sql.DB
	filename string
}

// Open creates a new Executor bound to filename, creating the file if it
// does not already exist (spec §4.2: default name sqliteapidb.db).
func Open(filename string) (*Executor, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", filename, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: opening %s: %w", filename, err)
	}
	// A single serialized SQL engine never benefits from a connection pool
	// and a pool would let the driver interleave statements behind our
	// backs, defeating the "at most one statement at a time" invariant.
	db.SetMaxOpenConns(1)
	return &Executor{db: db, filename: filename}, nil
}

// Filename returns the database file this executor is currently bound to.
func (e *Executor) Filename() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filename
}

// Close releases the underlying database handle.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}

// Rebind closes the current database handle and opens filename in its
// place (spec §4.4 ChangeDB). The caller must have already drained the
// dispatch queue before calling Rebind.
func (e *Executor) Rebind(filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("storage: closing previous db: %w", err)
	}
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", filename, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("storage: opening %s: %w", filename, err)
	}
	db.SetMaxOpenConns(1)
	e.db = db
	e.filename = filename
	return nil
}

// Execute runs req against the database and returns a Cursor over the
// result plus the classified error code (spec §4.2/§4.7). A request whose
// Kind is not one of the SQL kinds is a programmer error in the caller.
func (e *Executor) Execute(ctx context.Context, req wire.Request) (*Cursor, wire.ErrorCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Kind {
	case wire.CreateTable:
		return e.execDDL(ctx, req.Payload)
	case wire.WriteRow:
		return e.execMutation(ctx, req.Payload)
	case wire.DeleteOne, wire.DeleteAll:
		return e.execMutation(ctx, req.Payload)
	case wire.ReadOne, wire.ReadAll, wire.Count:
		return e.execQuery(ctx, req.Payload)
	case wire.ReadTables:
		return e.readTables(ctx)
	case wire.ReadColumns:
		return e.readColumns(ctx, req.Payload)
	default:
		return nil, wire.UndefinedError, fmt.Errorf("storage: %s is not a SQL kind", req.Kind)
	}
}

func (e *Executor) execDDL(ctx context.Context, ddl string) (*Cursor, wire.ErrorCode, error) {
	_, err := e.db.ExecContext(ctx, ddl)
	if err != nil {
		return nil, classify(err), err
	}
	return newCursor(nil, nil), wire.NoError, nil
}

func (e *Executor) execMutation(ctx context.Context, stmt string) (*Cursor, wire.ErrorCode, error) {
	_, err := e.db.ExecContext(ctx, stmt)
	if err != nil {
		return nil, classify(err), err
	}
	return newCursor(nil, nil), wire.NoError, nil
}

func (e *Executor) execQuery(ctx context.Context, query string) (*Cursor, wire.ErrorCode, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err), err
	}
	defer rows.Close()

	cur, err := scanRows(rows)
	if err != nil {
		return nil, classify(err), err
	}
	return cur, wire.NoError, nil
}

// readTables lists user tables via the sqlite_master catalog (spec §4.8
// readTables; original_source supplement — see SPEC_FULL.md).
func (e *Executor) readTables(ctx context.Context) (*Cursor, wire.ErrorCode, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, classify(err), err
	}
	defer rows.Close()
	cur, err := scanRows(rows)
	if err != nil {
		return nil, classify(err), err
	}
	return cur, wire.NoError, nil
}

// readColumns lists the columns of the table named in payload via
// PRAGMA table_info (spec §4.8 readColumns; original_source supplement).
func (e *Executor) readColumns(ctx context.Context, table string) (*Cursor, wire.ErrorCode, error) {
	if strings.TrimSpace(table) == "" {
		return nil, wire.UndefinedError, fmt.Errorf("storage: readColumns requires a table name")
	}
	// PRAGMA does not accept bound parameters, so the table name from the
	// request payload (client.ReadColumns' argument) is embedded as a
	// quoted identifier.
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, classify(err), err
	}
	defer rows.Close()

	cur, err := scanRows(rows)
	if err != nil {
		return nil, classify(err), err
	}
	if cur.RowCount() == 0 {
		return nil, wire.NotFoundError, nil
	}
	// Project down to just the column-name field (index 1 of table_info).
	names := make([]wire.Value, cur.RowCount())
	for i := 0; i < cur.RowCount(); i++ {
		names[i] = cur.Row(i)[1]
	}
	return newCursor([]string{"name"}, wrapColumn(names)), wire.NoError, nil
}

func wrapColumn(vals []wire.Value) [][]wire.Value {
	rows := make([][]wire.Value, len(vals))
	for i, v := range vals {
		rows[i] = []wire.Value{v}
	}
	return rows
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// scanRows materializes a *sql.Rows result into a Cursor, converting each
// driver value into a wire.Value.
func scanRows(rows *sql.Rows) (*Cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]wire.Value
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]wire.Value, len(cols))
		for i, v := range raw {
			row[i] = toValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newCursor(cols, out), nil
}

// toValue converts a database/sql driver value into the protocol's
// dynamic Value.
func toValue(v interface{}) wire.Value {
	switch t := v.(type) {
	case nil:
		return wire.Null
	case int64:
		return wire.NewInt64(t)
	case float64:
		return wire.NewFloat64(t)
	case bool:
		return wire.NewBool(t)
	case []byte:
		return wire.NewBytes(t)
	case string:
		return wire.NewString(t)
	default:
		return wire.NewString(fmt.Sprintf("%v", t))
	}
}

// classify maps the engine's last-error text to an ErrorCode per the
// substring rules of spec §4.2.
func classify(err error) wire.ErrorCode {
	if err == nil {
		return wire.NoError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already exists"):
		return wire.AlreadyExistError
	case strings.Contains(msg, "no such table"):
		return wire.NotFoundError
	default:
		return wire.UndefinedError
	}
}
