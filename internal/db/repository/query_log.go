// Package repository persists the query history.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"metl-sql/internal/domain"
)

// Fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// QueryLogRepo stores executed statements in the query_log table.
type QueryLogRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewQueryLogRepo returns a repo writing through write and reading through
// read. The same pool may be passed for both.
func NewQueryLogRepo(write, read *sql.DB) *QueryLogRepo {
	return &QueryLogRepo{write: write, read: read}
}

// Insert records e, assigning an ID and timestamp when unset.
func (r *QueryLogRepo) Insert(ctx context.Context, e *domain.QueryLogEntry) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.write.ExecContext(ctx,
		`INSERT INTO query_log (id, principal, table_name, sql_text, row_count, status, error_message, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Principal, nullString(e.Table), e.SQL, e.RowCount, e.Status,
		nullString(e.ErrorMessage), e.DurationMs, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// List returns matching entries, newest first, and the total match count.
func (r *QueryLogRepo) List(ctx context.Context, filter domain.QueryLogFilter) ([]domain.QueryLogEntry, int64, error) {
	var where []string
	var args []interface{}
	if filter.Principal != nil {
		where = append(where, "principal = ?")
		args = append(args, *filter.Principal)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.read.QueryRowContext(ctx, "SELECT count(*) FROM query_log"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count query log: %w", err)
	}

	rows, err := r.read.QueryContext(ctx,
		`SELECT id, principal, table_name, sql_text, row_count, status, error_message, duration_ms, created_at
		 FROM query_log`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, filter.Page.Window(), filter.Page.Start())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list query log: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []domain.QueryLogEntry
	for rows.Next() {
		var (
			e         domain.QueryLogEntry
			table     sql.NullString
			errMsg    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Principal, &table, &e.SQL, &e.RowCount, &e.Status, &errMsg, &e.DurationMs, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan query log: %w", err)
		}
		e.Table = stringPtr(table)
		e.ErrorMessage = stringPtr(errMsg)
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, 0, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
