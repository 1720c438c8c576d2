// Package resultset exposes a TabularResult as a forward-only cursor with
// column metadata.
package resultset

import (
	"io"

	"metl-sql/internal/domain"
)

// Column describes one result column. Every column is VARCHAR(80).
type Column struct {
	Name        string
	TypeName    string
	DisplaySize int
	Catalog     string
	Schema      string
	Table       string
}

// ResultSet is a materialized answer to one statement.
type ResultSet struct {
	table   string
	columns []Column
	rows    [][]*string
	pos     int
}

// New materializes res, attributing its columns to table.
func New(table string, res *domain.TabularResult) *ResultSet {
	rs := &ResultSet{table: table, pos: -1}
	for _, name := range res.Columns {
		rs.columns = append(rs.columns, Column{
			Name:        name,
			TypeName:    domain.ColumnTypeName,
			DisplaySize: domain.ColumnSize,
			Catalog:     domain.CatalogName,
			Schema:      domain.SchemaName,
			Table:       table,
		})
	}
	rs.rows = make([][]*string, 0, len(res.Rows))
	for _, row := range res.Rows {
		cells := make([]*string, len(res.Columns))
		for i, name := range res.Columns {
			if v, ok := row[name]; ok {
				cells[i] = &v
			}
		}
		rs.rows = append(rs.rows, cells)
	}
	return rs
}

// Empty returns a result with no columns and no rows, used to acknowledge
// statements that produce nothing.
func Empty() *ResultSet {
	return &ResultSet{pos: -1}
}

// Table returns the virtual table the result was read from.
func (r *ResultSet) Table() string { return r.table }

// Columns returns the column metadata.
func (r *ResultSet) Columns() []Column { return r.columns }

// ColumnNames returns the column names in display order.
func (r *ResultSet) ColumnNames() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of rows.
func (r *ResultSet) Len() int { return len(r.rows) }

// Next advances the cursor and reports whether a row is available.
func (r *ResultSet) Next() bool {
	if r.pos+1 >= len(r.rows) {
		r.pos = len(r.rows)
		return false
	}
	r.pos++
	return true
}

// Value returns the cell at column i of the current row. ok is false when
// the cell is NULL.
func (r *ResultSet) Value(i int) (v string, ok bool) {
	if r.pos < 0 || r.pos >= len(r.rows) || i < 0 || i >= len(r.columns) {
		return "", false
	}
	cell := r.rows[r.pos][i]
	if cell == nil {
		return "", false
	}
	return *cell, true
}

// Scan copies the current row into dest, with nil for NULL cells. It
// returns io.EOF when the cursor is exhausted.
func (r *ResultSet) Scan(dest []interface{}) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return io.EOF
	}
	for i := range dest {
		if i >= len(r.columns) {
			break
		}
		if v, ok := r.Value(i); ok {
			dest[i] = v
		} else {
			dest[i] = nil
		}
	}
	return nil
}

// Values returns every row as a slice of cells, nil for NULL, independent
// of the cursor.
func (r *ResultSet) Values() [][]interface{} {
	out := make([][]interface{}, len(r.rows))
	for i, row := range r.rows {
		vals := make([]interface{}, len(row))
		for j, cell := range row {
			if cell != nil {
				vals[j] = *cell
			}
		}
		out[i] = vals
	}
	return out
}
