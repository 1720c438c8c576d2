package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// History page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

const cursorPrefix = "qh:"

// HistoryPage selects one window of a history listing. Cursor is opaque to
// callers; it is the value handed out as the previous page's next cursor.
type HistoryPage struct {
	Size   int
	Cursor string
}

// Start is the row offset named by the cursor. Unknown cursors start over.
func (p HistoryPage) Start() int {
	if p.Cursor == "" {
		return 0
	}
	raw, err := base64.RawURLEncoding.DecodeString(p.Cursor)
	if err != nil {
		return 0
	}
	digits, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Window is the number of rows to fetch.
func (p HistoryPage) Window() int {
	switch {
	case p.Size <= 0:
		return DefaultPageSize
	case p.Size > MaxPageSize:
		return MaxPageSize
	}
	return p.Size
}

// Next is the cursor of the following page, empty once total rows are covered.
func (p HistoryPage) Next(total int64) string {
	end := p.Start() + p.Window()
	if int64(end) >= total {
		return ""
	}
	return CursorAt(end)
}

// CursorAt encodes a row offset. Offset 0 is the empty cursor.
func CursorAt(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}
