package dialect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var personTable = api.TempTable{
	Name: "tmp_person",
	Columns: []api.TempColumn{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT"},
	},
}

func TestDDL(t *testing.T) {
	tests := []struct {
		d      Dialect
		create string
		drop   string
	}{
		{SQLite{}, `CREATE TEMP TABLE "tmp_person" ("id" INTEGER, "name" TEXT)`, `DROP TABLE IF EXISTS temp."tmp_person"`},
		{MySQL{}, "CREATE TEMPORARY TABLE `tmp_person` (`id` BIGINT, `name` VARCHAR(1024))", "DROP TEMPORARY TABLE IF EXISTS `tmp_person`"},
		{Postgres{}, `CREATE TEMPORARY TABLE "tmp_person" ("id" BIGINT, "name" TEXT)`, `DROP TABLE IF EXISTS "tmp_person"`},
	}
	for _, tt := range tests {
		t.Run(tt.d.Name(), func(t *testing.T) {
			assert.Equal(t, tt.create, tt.d.CreateTempTable(personTable))
			assert.Equal(t, tt.drop, tt.d.DropTempTable(personTable.Name))
		})
	}
}

func TestValuesClause(t *testing.T) {
	assert.Equal(t, "(?, ?), (?, ?)", valuesClause(SQLite{}, 2, 2))
	assert.Equal(t, "($1, $2), ($3, $4)", valuesClause(Postgres{}, 2, 2))
}

func TestFor(t *testing.T) {
	d, err := For("pgx")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = For("oracle")
	assert.Error(t, err)
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, `"a""b"`, SQLite{}.Quote(`a"b`))
	assert.Equal(t, "`a``b`", MySQL{}.Quote("a`b"))
}

func TestPopulate_SQLite(t *testing.T) {
	ctx := context.Background()
	pools := scope.NewPools(0)
	t.Cleanup(func() { _ = pools.Close() })

	desc := api.Connection{Name: "main", Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "d.db")}
	s := scope.New(pools)
	l, err := s.Lease(ctx, desc)
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx, scope.Commit) }()

	// More rows than one statement holds, to cover flushing.
	var rows [][]any
	for i := 0; i < 1234; i++ {
		rows = append(rows, []any{int64(i), "p"})
	}

	n, err := Populate(ctx, SQLite{}, l.Querier(), personTable, FromSlice(rows), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1234, n)

	r, err := l.Querier().QueryContext(ctx, `SELECT count(*), max(id) FROM tmp_person`)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.True(t, r.Next())
	var count, maxID int
	require.NoError(t, r.Scan(&count, &maxID))
	assert.Equal(t, 1234, count)
	assert.Equal(t, 1233, maxID)
}

func TestPopulate_RejectsRaggedRows(t *testing.T) {
	ctx := context.Background()
	pools := scope.NewPools(0)
	t.Cleanup(func() { _ = pools.Close() })

	desc := api.Connection{Name: "main", Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "d.db")}
	s := scope.New(pools)
	l, err := s.Lease(ctx, desc)
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx, scope.Commit) }()

	_, err = Populate(ctx, SQLite{}, l.Querier(), personTable, FromSlice([][]any{{int64(1)}}), nil)
	assert.ErrorContains(t, err, "row has 1 values, want 2")
}
