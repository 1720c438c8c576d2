package driver

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bindArgs substitutes $n placeholders with SQL literals. Substitution is
// textual, highest ordinal first so $1 does not clobber $10.
func bindArgs(query string, args []driver.NamedValue) (string, error) {
	if len(args) == 0 {
		return query, nil
	}
	literals := make([]string, len(args))
	for _, a := range args {
		if a.Name != "" {
			return "", errNamedArgs
		}
		if a.Ordinal < 1 || a.Ordinal > len(args) {
			return "", fmt.Errorf("parameter ordinal %d out of range", a.Ordinal)
		}
		lit, err := literal(a.Value)
		if err != nil {
			return "", fmt.Errorf("parameter $%d: %w", a.Ordinal, err)
		}
		literals[a.Ordinal-1] = lit
	}
	for i := len(literals); i >= 1; i-- {
		placeholder := "$" + strconv.Itoa(i)
		if !strings.Contains(query, placeholder) {
			return "", fmt.Errorf("missing placeholder %s", placeholder)
		}
		query = strings.ReplaceAll(query, placeholder, literals[i-1])
	}
	return query, nil
}

func literal(v driver.Value) (string, error) {
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return quote(v), nil
	case []byte:
		return quote(string(v)), nil
	case time.Time:
		return quote(v.Format(time.RFC3339Nano)), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
