package domain

import "time"

// Query outcomes recorded in the history.
const (
	QueryStatusOK    = "OK"
	QueryStatusError = "ERROR"
)

// QueryLogEntry records one executed statement.
type QueryLogEntry struct {
	ID           string
	Principal    string
	Table        *string // virtual table, nil when routing failed
	SQL          string
	RowCount     int64
	Status       string
	ErrorMessage *string
	DurationMs   int64
	CreatedAt    time.Time
}

// QueryLogFilter narrows a history listing.
type QueryLogFilter struct {
	Principal *string
	Status    *string
	Page      HistoryPage
}
