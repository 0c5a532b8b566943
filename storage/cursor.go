package storage

import "github.com/tinysqlapi/broker/wire"

// Cursor iterates the result of one Execute call. Cells are iterated
// row-major: all columns of row 0, then row 1, and so on (spec §4.2).
//
// The embedded SQL engine used here (mattn/go-sqlite3 via database/sql) has
// already fully materialized the rows by the time Execute returns — C2 is
// synchronous by spec §1/§5 — so Cursor is a simple in-memory iterator
// rather than a live handle into the driver.
type Cursor struct {
	cols []string
	rows [][]wire.Value
	pos  int // next cell index into the flattened row-major sequence
}

func newCursor(cols []string, rows [][]wire.Value) *Cursor {
	return &Cursor{cols: cols, rows: rows}
}

// Columns returns the result's column names in order.
func (c *Cursor) Columns() []string { return c.cols }

// RowCount returns the number of rows in the result.
func (c *Cursor) RowCount() int { return len(c.rows) }

// NextCell returns the next cell in row-major order, or (zero, false) once
// every cell of every row has been consumed.
func (c *Cursor) NextCell() (wire.Value, bool) {
	if len(c.cols) == 0 {
		return wire.Value{}, false
	}
	row := c.pos / len(c.cols)
	col := c.pos % len(c.cols)
	if row >= len(c.rows) {
		return wire.Value{}, false
	}
	c.pos++
	return c.rows[row][col], true
}

// Row returns the cells of row i without disturbing NextCell's position.
func (c *Cursor) Row(i int) []wire.Value { return c.rows[i] }
