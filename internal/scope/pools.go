package scope

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// driverNames maps descriptor drivers onto registered database/sql drivers.
var driverNames = map[string]string{
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
	"mysql":      "mysql",
	"postgres":   "pgx",
	"postgresql": "pgx",
	"pgx":        "pgx",
}

// Pools hands out one *sql.DB per connection name. Descriptors registered up
// front (usually from configuration) fill in whatever a plan leaves out.
type Pools struct {
	mu      sync.Mutex
	descs   map[string]api.Connection
	dbs     map[string]*sql.DB
	maxOpen int
}

// NewPools returns an empty pool set. maxOpen caps open connections per
// database; zero means unlimited.
func NewPools(maxOpen int) *Pools {
	return &Pools{
		descs:   make(map[string]api.Connection),
		dbs:     make(map[string]*sql.DB),
		maxOpen: maxOpen,
	}
}

// Register records a full descriptor for later resolution by name.
func (p *Pools) Register(desc api.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descs[desc.Name] = desc
}

// Resolve merges desc with the registered descriptor of the same name.
// Fields set on desc win.
func (p *Pools) Resolve(desc api.Connection) (api.Connection, error) {
	p.mu.Lock()
	reg, ok := p.descs[desc.Name]
	p.mu.Unlock()

	if ok {
		if desc.Driver == "" {
			desc.Driver = reg.Driver
		}
		if desc.DSN == "" {
			desc.DSN = reg.DSN
		}
		if desc.TimeZone == "" {
			desc.TimeZone = reg.TimeZone
		}
		desc.Transactional = desc.Transactional || reg.Transactional
	}
	if desc.Driver == "" || desc.DSN == "" {
		return desc, errors.Newf("connection %q: driver and dsn are required", desc.Name)
	}
	if _, ok := driverNames[strings.ToLower(desc.Driver)]; !ok {
		return desc, errors.Newf("connection %q: unsupported driver %q", desc.Name, desc.Driver)
	}
	return desc, nil
}

// DB returns the pool for desc, opening it on first use.
func (p *Pools) DB(desc api.Connection) (*sql.DB, api.Connection, error) {
	desc, err := p.Resolve(desc)
	if err != nil {
		return nil, desc, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[desc.Name]; ok {
		return db, desc, nil
	}

	driver := driverNames[strings.ToLower(desc.Driver)]
	dsn := desc.DSN
	if driver == "sqlite" && !strings.Contains(dsn, "_pragma=busy_timeout") {
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		// Temp-table DDL on one connection can race a reader on another.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, desc, errors.Wrapf(err, "open %s connection %q", desc.Driver, desc.Name)
	}
	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
	}
	p.dbs[desc.Name] = db
	return db, desc, nil
}

// MaxOpen returns the per-database connection cap; zero means unlimited.
func (p *Pools) MaxOpen() int { return p.maxOpen }

// Close closes every opened pool.
func (p *Pools) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for name, db := range p.dbs {
		err = errors.CombineErrors(err, errors.Wrapf(db.Close(), "close connection %q", name))
	}
	p.dbs = make(map[string]*sql.DB)
	return err
}

// Location returns the time zone rows of desc are interpreted in: the
// explicit time zone, else the loc parameter of a MySQL DSN, else UTC.
func Location(desc api.Connection) (*time.Location, error) {
	if desc.TimeZone != "" {
		loc, err := time.LoadLocation(desc.TimeZone)
		if err != nil {
			return nil, errors.Wrapf(err, "connection %q: time zone", desc.Name)
		}
		return loc, nil
	}
	if strings.EqualFold(desc.Driver, "mysql") {
		cfg, err := mysql.ParseDSN(desc.DSN)
		if err != nil {
			return nil, errors.Wrapf(err, "connection %q: parse dsn", desc.Name)
		}
		if cfg.Loc != nil {
			return cfg.Loc, nil
		}
	}
	return time.UTC, nil
}
