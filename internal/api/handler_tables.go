package api

import (
	"net/http"

	"metl-sql/internal/domain"
)

type columnInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length"`
}

type tableInfo struct {
	Catalog string       `json:"catalog"`
	Schema  string       `json:"schema"`
	Name    string       `json:"name"`
	Columns []columnInfo `json:"columns"`
}

// ListTables describes the virtual catalog. It needs no credentials.
func (h *Handler) ListTables(w http.ResponseWriter, _ *http.Request) {
	out := make([]tableInfo, 0, len(domain.Tables))
	for _, t := range domain.Tables {
		cols := t.Columns()
		info := tableInfo{
			Catalog: domain.CatalogName,
			Schema:  domain.SchemaName,
			Name:    t.String(),
			Columns: make([]columnInfo, len(cols)),
		}
		for i, c := range cols {
			info.Columns[i] = columnInfo{Name: c, Type: domain.ColumnTypeName, Length: domain.ColumnSize}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": out})
}
