package resultset

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metl-sql/internal/domain"
)

func sample() *domain.TabularResult {
	res := domain.NewTabularResult([]string{"groupname", "projectname"})
	res.Append(domain.Row{"groupname": "g1", "projectname": "p1"})
	res.Append(domain.Row{"groupname": "g2"})
	return res
}

func TestNew_ColumnMetadata(t *testing.T) {
	rs := New("project", sample())

	require.Len(t, rs.Columns(), 2)
	for _, c := range rs.Columns() {
		assert.Equal(t, "VARCHAR", c.TypeName)
		assert.Equal(t, 80, c.DisplaySize)
		assert.Equal(t, "catalog", c.Catalog)
		assert.Equal(t, "public", c.Schema)
		assert.Equal(t, "project", c.Table)
	}
	assert.Equal(t, []string{"groupname", "projectname"}, rs.ColumnNames())
	assert.Equal(t, "project", rs.Table())
	assert.Equal(t, 2, rs.Len())
}

func TestCursor(t *testing.T) {
	rs := New("project", sample())

	_, ok := rs.Value(0)
	assert.False(t, ok, "no row before Next")
	assert.ErrorIs(t, rs.Scan(make([]interface{}, 2)), io.EOF)

	require.True(t, rs.Next())
	v, ok := rs.Value(1)
	assert.True(t, ok)
	assert.Equal(t, "p1", v)

	require.True(t, rs.Next())
	dest := []interface{}{"stale", "stale"}
	require.NoError(t, rs.Scan(dest))
	assert.Equal(t, []interface{}{"g2", nil}, dest)

	assert.False(t, rs.Next())
	assert.False(t, rs.Next())
	assert.ErrorIs(t, rs.Scan(dest), io.EOF)
}

func TestValues_AbsentCellsAreNil(t *testing.T) {
	rs := New("project", sample())
	assert.Equal(t, [][]interface{}{{"g1", "p1"}, {"g2", nil}}, rs.Values())
}

func TestCountResultCarriesCatalog(t *testing.T) {
	rs := New("job", domain.CountResult(7))

	require.Len(t, rs.Columns(), 1)
	assert.Equal(t, "counter", rs.Columns()[0].Name)
	assert.Equal(t, "public", rs.Columns()[0].Schema)
	require.True(t, rs.Next())
	v, _ := rs.Value(0)
	assert.Equal(t, "7", v)
}

func TestEmpty(t *testing.T) {
	rs := Empty()
	assert.Empty(t, rs.Columns())
	assert.False(t, rs.Next())
	assert.Empty(t, rs.Values())
}
