package driver

import (
	"database/sql"
	"database/sql/driver"
	"io"
	"reflect"

	"metl-sql/internal/resultset"
)

type rows struct {
	rs *resultset.ResultSet
}

var (
	_ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
	_ driver.RowsColumnTypeLength           = (*rows)(nil)
	_ driver.RowsColumnTypeNullable         = (*rows)(nil)
	_ driver.RowsColumnTypeScanType         = (*rows)(nil)
)

func newRows(rs *resultset.ResultSet) *rows { return &rows{rs: rs} }

func (r *rows) Columns() []string {
	cols := r.rs.ColumnNames()
	if cols == nil {
		return []string{}
	}
	return cols
}

func (r *rows) Close() error { return nil }

// Next copies the next row into dest. Absent cells are NULL.
func (r *rows) Next(dest []driver.Value) error {
	if !r.rs.Next() {
		return io.EOF
	}
	for i := range dest {
		v, ok := r.rs.Value(i)
		if !ok {
			dest[i] = nil
			continue
		}
		dest[i] = v
	}
	return nil
}

func (r *rows) ColumnTypeDatabaseTypeName(i int) string {
	return r.rs.Columns()[i].TypeName
}

func (r *rows) ColumnTypeLength(i int) (int64, bool) {
	return int64(r.rs.Columns()[i].DisplaySize), true
}

func (r *rows) ColumnTypeNullable(int) (bool, bool) { return true, true }

// ColumnTypeScanType is sql.NullString since any cell may be NULL.
func (r *rows) ColumnTypeScanType(int) reflect.Type {
	return reflect.TypeOf(sql.NullString{})
}
