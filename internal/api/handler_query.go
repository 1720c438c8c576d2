package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"metl-sql/internal/domain"
)

const maxQueryBody = 1 << 20

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	Table    string          `json:"table,omitempty"`
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
}

// ExecuteQuery runs one statement with the caller's credentials.
func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	creds, ok := domain.CredentialsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	rs, err := h.engine.Query(r.Context(), creds, req.SQL)
	if err != nil {
		code := httpStatusFromError(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("query failed", "user", creds.Username, "error", err)
		}
		writeError(w, code, err.Error())
		return
	}

	rows := rs.Values()
	if rows == nil {
		rows = [][]interface{}{}
	}
	cols := rs.ColumnNames()
	if cols == nil {
		cols = []string{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Table:    rs.Table(),
		Columns:  cols,
		Rows:     rows,
		RowCount: rs.Len(),
	})
}

type queryLogEntry struct {
	ID           string    `json:"id"`
	Principal    string    `json:"principal"`
	Table        *string   `json:"table,omitempty"`
	SQL          string    `json:"sql"`
	RowCount     int64     `json:"row_count"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type queryLogPage struct {
	Queries       []queryLogEntry `json:"queries"`
	Total         int64           `json:"total"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// ListQueries pages through the caller's own history, newest first.
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	creds, ok := domain.CredentialsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "query history is disabled")
		return
	}

	q := r.URL.Query()
	page := domain.HistoryPage{Cursor: q.Get("page_token")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page.Size = n
	}
	filter := domain.QueryLogFilter{Principal: &creds.Username, Page: page}
	if st := strings.ToUpper(q.Get("status")); st != "" {
		if st != domain.QueryStatusOK && st != domain.QueryStatusError {
			writeError(w, http.StatusBadRequest, "status must be OK or ERROR")
			return
		}
		filter.Status = &st
	}

	entries, total, err := h.history.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list query history", "error", err)
		writeError(w, http.StatusInternalServerError, "list query history failed")
		return
	}

	out := queryLogPage{
		Queries:       make([]queryLogEntry, len(entries)),
		Total:         total,
		NextPageToken: page.Next(total),
	}
	for i, e := range entries {
		out.Queries[i] = queryLogEntry(e)
	}
	writeJSON(w, http.StatusOK, out)
}
