package exec

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/object"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/stretchr/testify/require"
)

const peopleSchema = `
CREATE TABLE person (id INTEGER PRIMARY KEY, name TEXT NOT NULL, firm_id INTEGER);
CREATE TABLE address (id INTEGER PRIMARY KEY, person_id INTEGER NOT NULL, city TEXT NOT NULL);
CREATE TABLE tag (id INTEGER PRIMARY KEY, label TEXT NOT NULL);
CREATE TABLE person_tag (person_id INTEGER NOT NULL, tag_id INTEGER NOT NULL);
CREATE TABLE nickname (person_id INTEGER NOT NULL, nick TEXT NOT NULL);

INSERT INTO person VALUES (1, 'ada', 10), (2, 'bob', 10), (3, 'cy', 20);
INSERT INTO address VALUES (100, 1, 'Paris'), (101, 1, 'Lyon'), (102, 3, 'Nice');
INSERT INTO tag VALUES (1, 'x'), (2, 'y');
INSERT INTO person_tag VALUES (1, 1), (2, 1), (3, 2);
INSERT INTO nickname VALUES (1, 'a'), (1, 'ad'), (2, 'b');
`

const firmSchema = `
CREATE TABLE firm (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
INSERT INTO firm VALUES (10, 'Acme'), (20, 'Globex');
`

type fixture struct {
	pools *scope.Pools
	main  api.Connection
	firms api.Connection
}

// newFixture seeds two file-backed databases. maxOpen caps connections per
// database; zero leaves them unlimited.
func newFixture(t *testing.T, maxOpen int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		pools: scope.NewPools(maxOpen),
		main:  api.Connection{Name: "main", Driver: "sqlite", DSN: "file:" + filepath.Join(dir, "people.db") + "?_pragma=journal_mode(WAL)"},
		firms: api.Connection{Name: "firms", Driver: "sqlite", DSN: "file:" + filepath.Join(dir, "firms.db") + "?_pragma=journal_mode(WAL)"},
	}
	t.Cleanup(func() { _ = f.pools.Close() })

	for conn, schema := range map[api.Connection]string{f.main: peopleSchema, f.firms: firmSchema} {
		db, _, err := f.pools.DB(conn)
		require.NoError(t, err)
		_, err = db.Exec(schema)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) sql(query string) *api.SQLExecution {
	return &api.SQLExecution{SQL: query, Connection: f.main}
}

var (
	personClass = &api.ClassMapping{
		Class:      "Person",
		Properties: map[string]string{"id": "id", "name": "name", "firmId": "firm_id"},
		PrimaryKey: []string{"id"},
		Many:       []string{"addresses", "tags", "nicknames"},
	}
	addressClass = &api.ClassMapping{
		Class:      "Address",
		Properties: map[string]string{"id": "id", "city": "city"},
		PrimaryKey: []string{"id"},
	}
	tagClass = &api.ClassMapping{
		Class:      "Tag",
		Properties: map[string]string{"id": "id", "label": "label"},
		PrimaryKey: []string{"id"},
	}
	firmClass = &api.ClassMapping{
		Class:      "Firm",
		Properties: map[string]string{"id": "id", "name": "name"},
		PrimaryKey: []string{"id"},
	}
)

func (f *fixture) personRoot(batchSize int, children ...api.Node) *api.GraphFetchRoot {
	return &api.GraphFetchRoot{
		FetchNode: api.FetchNode{
			Index:      0,
			Class:      personClass,
			KeyColumns: []string{"id"},
			TempTable:  &api.TempTable{Name: "tt_person", Columns: []api.TempColumn{{Name: "id", Type: "INTEGER"}}},
			Children:   children,
		},
		Source:    f.sql("SELECT id, name, firm_id FROM person ORDER BY id"),
		BatchSize: batchSize,
	}
}

func (f *fixture) addresses(index int) *api.GraphFetchClassChild {
	return &api.GraphFetchClassChild{
		FetchNode: api.FetchNode{
			Index:      index,
			Property:   "addresses",
			Class:      addressClass,
			KeyColumns: []string{"id"},
		},
		SQL: f.sql(`SELECT a.id, a.city, a.person_id AS parent_id
			FROM address a JOIN tt_person t ON t.id = a.person_id ORDER BY a.id`),
		ParentKeyColumns: []string{"parent_id"},
	}
}

func (f *fixture) tags(index int) *api.GraphFetchClassChild {
	return &api.GraphFetchClassChild{
		FetchNode: api.FetchNode{
			Index:      index,
			Property:   "tags",
			Class:      tagClass,
			KeyColumns: []string{"id"},
		},
		SQL: f.sql(`SELECT g.id, g.label, pt.person_id AS parent_id
			FROM person_tag pt JOIN tt_person t ON t.id = pt.person_id JOIN tag g ON g.id = pt.tag_id
			ORDER BY pt.person_id, g.id`),
		ParentKeyColumns: []string{"parent_id"},
	}
}

func (f *fixture) nicknames(index int) *api.GraphFetchPrimitiveChild {
	return &api.GraphFetchPrimitiveChild{
		FetchNode:        api.FetchNode{Index: index, Property: "nicknames"},
		SQL:              f.sql(`SELECT n.nick, n.person_id AS parent_id FROM nickname n JOIN tt_person t ON t.id = n.person_id ORDER BY n.nick`),
		ParentKeyColumns: []string{"parent_id"},
		ValueColumn:      "nick",
	}
}

func (f *fixture) employer(index int) *api.GraphFetchCrossRoot {
	return &api.GraphFetchCrossRoot{
		FetchNode: api.FetchNode{
			Index:      index,
			Property:   "employer",
			Class:      firmClass,
			KeyColumns: []string{"id"},
		},
		ParentProperties: []string{"firmId"},
		SQL: &api.SQLExecution{
			SQL:        `SELECT f.id, f.name, f.id AS fk FROM firm f JOIN tt_firm_keys k ON k.fid = f.id ORDER BY f.id`,
			Connection: f.firms,
		},
		ParentKeyColumns: []string{"fk"},
		CrossTempTable:   api.TempTable{Name: "tt_firm_keys", Columns: []api.TempColumn{{Name: "fid", Type: "INTEGER"}}},
	}
}

// statementCounter counts statements whose text contains a marker.
type statementCounter struct {
	mu   sync.Mutex
	seen []string
}

func (c *statementCounter) hook(q api.SQLExecution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, q.SQL)
}

func (c *statementCounter) count(marker string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seen {
		if strings.Contains(s, marker) {
			n++
		}
	}
	return n
}

type recordingReporter struct {
	batches []int
	hits    int
	misses  int
}

func (r *recordingReporter) BatchEmitted(_ int, rows, _ int, _ int64) {
	r.batches = append(r.batches, rows)
}

func (r *recordingReporter) CacheProbe(_ int, hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

// plain renders objects for comparison.
func plain(objs []any) []map[string]any {
	out := make([]map[string]any, len(objs))
	for i, o := range objs {
		out[i] = o.(*object.Object).Map()
	}
	return out
}

func ids(objs []any) []int64 {
	out := make([]int64, len(objs))
	for i, o := range objs {
		v, _ := o.(*object.Object).Get("id")
		out[i] = v.(int64)
	}
	return out
}
