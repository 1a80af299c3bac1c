package dialect

import (
	"strings"

	"github.com/agentic-research/relexec/api"
)

// SQLite stages data in connection-private TEMP tables.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) ColumnType(portable string) string {
	switch strings.ToUpper(portable) {
	case "INTEGER", "BIGINT", "INT":
		return "INTEGER"
	case "REAL", "FLOAT", "DOUBLE":
		return "REAL"
	case "BOOLEAN", "BOOL":
		return "BOOLEAN"
	case "TIMESTAMP", "DATETIME":
		return "TIMESTAMP"
	case "DATE":
		return "DATE"
	default:
		return "TEXT"
	}
}

func (d SQLite) CreateTempTable(t api.TempTable) string {
	return createTable(d, "CREATE TEMP TABLE", t)
}

func (d SQLite) DropTempTable(table string) string {
	return "DROP TABLE IF EXISTS temp." + d.Quote(table)
}

// MaxParams is SQLITE_MAX_VARIABLE_NUMBER of the bundled library.
func (SQLite) MaxParams() int { return 32766 }
