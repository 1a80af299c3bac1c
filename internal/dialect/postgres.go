package dialect

import (
	"strconv"
	"strings"

	"github.com/agentic-research/relexec/api"
	"github.com/jackc/pgx/v5"
)

// Postgres stages data in session TEMPORARY tables.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(ident string) string { return pgx.Identifier{ident}.Sanitize() }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) ColumnType(portable string) string {
	switch strings.ToUpper(portable) {
	case "INTEGER", "BIGINT", "INT":
		return "BIGINT"
	case "REAL", "FLOAT", "DOUBLE":
		return "DOUBLE PRECISION"
	case "BOOLEAN", "BOOL":
		return "BOOLEAN"
	case "TIMESTAMP", "DATETIME":
		return "TIMESTAMPTZ"
	case "DATE":
		return "DATE"
	default:
		return "TEXT"
	}
}

func (d Postgres) CreateTempTable(t api.TempTable) string {
	return createTable(d, "CREATE TEMPORARY TABLE", t)
}

func (d Postgres) DropTempTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

// MaxParams is the wire protocol's int16 parameter count.
func (Postgres) MaxParams() int { return 65535 }
