package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/domain"
)

func TestMatchInformationSchema(t *testing.T) {
	tests := []struct {
		sql  string
		view string
		ok   bool
	}{
		{"SELECT * FROM information_schema.tables", "tables", true},
		{`select * from "information_schema"."columns" where table_name = 'job'`, "columns", true},
		{"SELECT schema_name FROM INFORMATION_SCHEMA.SCHEMATA", "schemata", true},
		{"SELECT * FROM information_schema.views", "", false},
		{`SELECT * FROM "tables"`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			view, ok := matchInformationSchema(tc.sql)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.view, view)
		})
	}
}

func TestInformationSchema_Tables(t *testing.T) {
	res := informationSchema("tables")
	require.Equal(t, len(domain.Tables), res.Len())
	assert.Equal(t, domain.Row{
		"table_catalog": "catalog", "table_schema": "public", "table_name": "instance", "table_type": "VIEW",
	}, res.Rows[0])
}

func TestInformationSchema_Columns(t *testing.T) {
	res := informationSchema("columns")

	want := 0
	for _, tbl := range domain.Tables {
		want += len(tbl.Columns())
	}
	require.Equal(t, want, res.Len())

	var job []domain.Row
	for _, r := range res.Rows {
		if r["table_name"] == "job" {
			job = append(job, r)
		}
	}
	require.Len(t, job, 4)
	assert.Equal(t, "jobname", job[3]["column_name"])
	assert.Equal(t, "4", job[3]["ordinal_position"])
	assert.Equal(t, "VARCHAR", job[3]["data_type"])
	assert.Equal(t, "80", job[3]["character_maximum_length"])
}

func TestInformationSchema_Schemata(t *testing.T) {
	res := informationSchema("schemata")
	assert.Equal(t, []domain.Row{{"catalog_name": "catalog", "schema_name": "public"}}, res.Rows)
}
