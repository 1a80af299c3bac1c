// Package config loads the host configuration: connection descriptors, cache
// entries and executor defaults, from an HCL file.
package config

import (
	"log/slog"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultBatchSize = 1000
	DefaultLogLevel  = "info"
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 10 * time.Minute
)

// Config is the decoded configuration file.
type Config struct {
	BatchSize   int          `hcl:"batch_size,optional"`
	LogLevel    string       `hcl:"log_level,optional"`
	MaxOpen     int          `hcl:"max_open_conns,optional"` // per connection; a graph fetch n levels deep holds n+1
	Connections []Connection `hcl:"connection,block"`
	Caches      []Cache      `hcl:"cache,block"`
}

// Connection is a named database descriptor.
type Connection struct {
	Name          string `hcl:"name,label"`
	Driver        string `hcl:"driver"`
	DSN           string `hcl:"dsn"`
	TimeZone      string `hcl:"time_zone,optional"`
	Transactional bool   `hcl:"transactional,optional"`
}

// Cache declares one cache entry. Setting mapping and instance_set makes an
// equality-key entry; source_mapping and target_mapping make a cross-key one.
type Cache struct {
	Name          string `hcl:"name,label"`
	Mapping       string `hcl:"mapping,optional"`
	InstanceSet   string `hcl:"instance_set,optional"`
	SourceMapping string `hcl:"source_mapping,optional"`
	TargetMapping string `hcl:"target_mapping,optional"`
	Kind          string `hcl:"kind,optional"` // lru | ttl
	Size          int    `hcl:"size,optional"`
	TTL           string `hcl:"ttl,optional"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	var c Config
	if err := hclsimple.DecodeFile(path, nil, &c); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return c.validate()
}

// Parse decodes src as if read from filename; the extension selects HCL or
// JSON syntax.
func Parse(filename string, src []byte) (*Config, error) {
	var c Config
	if err := hclsimple.Decode(filename, src, nil, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return c.validate()
}

func (c *Config) validate() (*Config, error) {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 0 {
		return nil, errors.Newf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxOpen < 0 {
		return nil, errors.Newf("max_open_conns must not be negative, got %d", c.MaxOpen)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := c.Level(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, conn := range c.Connections {
		if seen[conn.Name] {
			return nil, errors.Newf("connection %q: declared twice", conn.Name)
		}
		seen[conn.Name] = true
		if _, err := scope.NewPools(0).Resolve(conn.descriptor()); err != nil {
			return nil, errors.Wrapf(err, "connection %q", conn.Name)
		}
		if _, err := scope.Location(conn.descriptor()); err != nil {
			return nil, errors.Wrapf(err, "connection %q", conn.Name)
		}
	}

	for i := range c.Caches {
		cc := &c.Caches[i]
		equality := cc.Mapping != "" || cc.InstanceSet != ""
		cross := cc.SourceMapping != "" || cc.TargetMapping != ""
		switch {
		case equality && cross:
			return nil, errors.Newf("cache %q: set either mapping and instance_set or source_mapping and target_mapping", cc.Name)
		case equality && (cc.Mapping == "" || cc.InstanceSet == ""):
			return nil, errors.Newf("cache %q: mapping and instance_set are both required", cc.Name)
		case cross && (cc.SourceMapping == "" || cc.TargetMapping == ""):
			return nil, errors.Newf("cache %q: source_mapping and target_mapping are both required", cc.Name)
		case !equality && !cross:
			return nil, errors.Newf("cache %q: no mapping", cc.Name)
		}
		if cc.Kind == "" {
			cc.Kind = "lru"
		}
		if cc.Size == 0 {
			cc.Size = DefaultCacheSize
		}
		if _, err := cc.ttl(); err != nil {
			return nil, err
		}
		if cc.Kind != "lru" && cc.Kind != "ttl" {
			return nil, errors.Newf("cache %q: unknown kind %q", cc.Name, cc.Kind)
		}
	}
	return c, nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log_level")
	}
	return l, nil
}

func (conn Connection) descriptor() api.Connection {
	return api.Connection{
		Name:          conn.Name,
		Driver:        conn.Driver,
		DSN:           conn.DSN,
		TimeZone:      conn.TimeZone,
		Transactional: conn.Transactional,
	}
}

func (cc *Cache) ttl() (time.Duration, error) {
	if cc.TTL == "" {
		return DefaultCacheTTL, nil
	}
	d, err := time.ParseDuration(cc.TTL)
	if err != nil {
		return 0, errors.Wrapf(err, "cache %q: ttl", cc.Name)
	}
	return d, nil
}

// Pools returns connection pools with every configured descriptor
// registered, so plans may name connections without repeating their DSNs.
func (c *Config) Pools() *scope.Pools {
	p := scope.NewPools(c.MaxOpen)
	for _, conn := range c.Connections {
		p.Register(conn.descriptor())
	}
	return p
}

// CacheService builds the configured cache entries.
func (c *Config) CacheService() (*cache.Service, error) {
	svc := cache.NewService()
	for _, cc := range c.Caches {
		var store cache.Store
		switch cc.Kind {
		case "ttl":
			ttl, err := cc.ttl()
			if err != nil {
				return nil, err
			}
			store = cache.NewExpiringStore(ttl, ttl)
		default:
			s, err := cache.NewLRUStore(cc.Size)
			if err != nil {
				return nil, errors.Wrapf(err, "cache %q", cc.Name)
			}
			store = s
		}
		if cc.SourceMapping != "" {
			svc.AddCrossEntry(cc.SourceMapping, cc.TargetMapping, store)
		} else {
			svc.AddEqualityEntry(cc.Mapping, cc.InstanceSet, store)
		}
	}
	return svc, nil
}
