package domain

import "strconv"

// Credentials are the username and password a SQL client connected with.
// They are passed through to the orchestration API unchanged.
type Credentials struct {
	Username string
	Password string
}

// Row maps column name to text value. A missing key is SQL NULL.
type Row map[string]string

// TabularResult is an in-memory answer to a query: ordered column names and
// rows keyed by those names.
type TabularResult struct {
	Columns []string
	Rows    []Row
}

// NewTabularResult returns an empty result with the given columns.
func NewTabularResult(columns []string) *TabularResult {
	return &TabularResult{Columns: columns}
}

// Len returns the number of rows.
func (r *TabularResult) Len() int { return len(r.Rows) }

// Append adds a row. Keys not listed in Columns are dropped so every row's
// key set stays a subset of the columns.
func (r *TabularResult) Append(row Row) {
	for k := range row {
		if !r.hasColumn(k) {
			delete(row, k)
		}
	}
	r.Rows = append(r.Rows, row)
}

func (r *TabularResult) hasColumn(name string) bool {
	for _, c := range r.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// CountResult returns the single-row, single-column answer to a count query.
func CountResult(n int) *TabularResult {
	return &TabularResult{
		Columns: []string{CounterColumn},
		Rows:    []Row{{CounterColumn: strconv.Itoa(n)}},
	}
}
