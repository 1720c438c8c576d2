package engine

import (
	"regexp"
	"strconv"
	"strings"

	"metl-sql/internal/domain"
)

var infoSchemaRef = regexp.MustCompile(`(?is)\bFROM\s+"?information_schema"?\s*\.\s*"?(schemata|tables|columns)"?`)

// matchInformationSchema reports which information_schema view sql reads,
// if any. Filters in the statement are ignored; the full view is returned.
func matchInformationSchema(sql string) (string, bool) {
	m := infoSchemaRef.FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// TableType is reported for every virtual table.
const TableType = "VIEW"

// informationSchema builds the rows of one metadata view from the static
// virtual catalog.
func informationSchema(view string) *domain.TabularResult {
	switch view {
	case "schemata":
		res := domain.NewTabularResult([]string{"catalog_name", "schema_name"})
		res.Append(domain.Row{"catalog_name": domain.CatalogName, "schema_name": domain.SchemaName})
		return res

	case "tables":
		res := domain.NewTabularResult([]string{"table_catalog", "table_schema", "table_name", "table_type"})
		for _, t := range domain.Tables {
			res.Append(domain.Row{
				"table_catalog": domain.CatalogName,
				"table_schema":  domain.SchemaName,
				"table_name":    t.String(),
				"table_type":    TableType,
			})
		}
		return res

	default:
		res := domain.NewTabularResult([]string{
			"table_catalog", "table_schema", "table_name", "column_name",
			"ordinal_position", "data_type", "character_maximum_length",
		})
		for _, t := range domain.Tables {
			for i, c := range t.Columns() {
				res.Append(domain.Row{
					"table_catalog":            domain.CatalogName,
					"table_schema":             domain.SchemaName,
					"table_name":               t.String(),
					"column_name":              c,
					"ordinal_position":         strconv.Itoa(i + 1),
					"data_type":                domain.ColumnTypeName,
					"character_maximum_length": strconv.Itoa(domain.ColumnSize),
				})
			}
		}
		return res
	}
}
