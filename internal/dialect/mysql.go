package dialect

import (
	"strings"

	"github.com/agentic-research/relexec/api"
)

// MySQL stages data in TEMPORARY tables, which live as long as the session.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) ColumnType(portable string) string {
	switch strings.ToUpper(portable) {
	case "INTEGER", "BIGINT", "INT":
		return "BIGINT"
	case "REAL", "FLOAT", "DOUBLE":
		return "DOUBLE"
	case "BOOLEAN", "BOOL":
		return "BOOLEAN"
	case "TIMESTAMP", "DATETIME":
		return "DATETIME(6)"
	case "DATE":
		return "DATE"
	default:
		return "VARCHAR(1024)"
	}
}

func (d MySQL) CreateTempTable(t api.TempTable) string {
	return createTable(d, "CREATE TEMPORARY TABLE", t)
}

func (d MySQL) DropTempTable(table string) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + d.Quote(table)
}

func (MySQL) MaxParams() int { return 65535 }
