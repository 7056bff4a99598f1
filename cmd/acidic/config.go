package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"gopkg.in/yaml.v3"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/queue"
	natsqueue "github.com/xraph/acidic/queue/nats"
	redisqueue "github.com/xraph/acidic/queue/redis"
	"github.com/xraph/acidic/store"
	bunstore "github.com/xraph/acidic/store/bun"
	"github.com/xraph/acidic/store/memory"
	"github.com/xraph/acidic/store/postgres"
	"github.com/xraph/acidic/store/sqlite"
)

// fileConfig is the YAML document read by every command.
type fileConfig struct {
	Store struct {
		// Driver is postgres, bun, sqlite or memory. bun talks to Postgres
		// through the Bun ORM.
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`

		// Isolation is the postgres or bun transaction isolation level:
		// read_committed, repeatable_read or serializable. Empty keeps the
		// server default.
		Isolation string `yaml:"isolation"`
	} `yaml:"store"`

	// Adapters are the queues staged jobs are published to. The first is
	// the default.
	Adapters []adapterConfig `yaml:"adapters"`

	Engine acidic.Config `yaml:"engine"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// Audit logs lifecycle events as an audit trail. An empty Actions
	// list records every action.
	Audit struct {
		Enabled bool     `yaml:"enabled"`
		Actions []string `yaml:"actions"`
	} `yaml:"audit"`
}

type adapterConfig struct {
	// Driver is redis or nats.
	Driver string `yaml:"driver"`
	Name   string `yaml:"name"`

	// URL is a redis:// URL or a NATS server URL.
	URL string `yaml:"url"`

	// Prefix is the Redis key prefix or NATS subject prefix.
	Prefix string `yaml:"prefix"`
}

func defaultFileConfig() fileConfig {
	var cfg fileConfig
	cfg.Store.Driver = "memory"
	cfg.Engine = acidic.DefaultConfig()
	cfg.Metrics.Addr = ":9090"
	cfg.Metrics.Namespace = "acidic"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults alone.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c fileConfig) validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "bun", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store: %s needs a dsn", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if _, err := parseIsolation(c.Store.Isolation); err != nil {
		errs = append(errs, err)
	}
	for i, a := range c.Adapters {
		if a.Driver != "redis" && a.Driver != "nats" {
			errs = append(errs, fmt.Errorf("adapters[%d]: unknown driver %q", i, a.Driver))
		}
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("adapters[%d]: url is required", i))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log: invalid level %q", s)
	}
	return l, nil
}

func parseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "read_committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	}
	return "", fmt.Errorf("store: invalid isolation %q", s)
}

// sqlIsolation converts a parsed level for database/sql drivers.
func sqlIsolation(l pgx.TxIsoLevel) sql.IsolationLevel {
	switch l {
	case pgx.ReadCommitted:
		return sql.LevelReadCommitted
	case pgx.RepeatableRead:
		return sql.LevelRepeatableRead
	case pgx.Serializable:
		return sql.LevelSerializable
	}
	return sql.LevelDefault
}

// ownedBunStore closes the Bun handle the CLI opened for it.
type ownedBunStore struct {
	*bunstore.Store
}

func (s ownedBunStore) Close() error {
	return s.DB().Close()
}

func newLogger(c fileConfig) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, c fileConfig, logger *slog.Logger) (store.Store, error) {
	switch c.Store.Driver {
	case "postgres":
		iso, err := parseIsolation(c.Store.Isolation)
		if err != nil {
			return nil, err
		}
		st, err := postgres.New(ctx, c.Store.DSN,
			postgres.WithLogger(logger),
			postgres.WithIsolation(iso),
		)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "bun":
		iso, err := parseIsolation(c.Store.Isolation)
		if err != nil {
			return nil, err
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(c.Store.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return ownedBunStore{bunstore.New(db,
			bunstore.WithLogger(logger),
			bunstore.WithIsolation(sqlIsolation(iso)),
		)}, nil
	case "sqlite":
		st, err := sqlite.New(c.Store.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
}

// openAdapters connects every configured queue. The returned closer
// releases the connections.
func openAdapters(c fileConfig, logger *slog.Logger) ([]queue.Adapter, func(), error) {
	var (
		adapters []queue.Adapter
		closers  []func()
	)
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	for _, a := range c.Adapters {
		switch a.Driver {
		case "redis":
			opt, err := goredis.ParseURL(a.URL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("redis adapter %q: %w", a.Name, err)
			}
			client := goredis.NewClient(opt)
			closers = append(closers, func() { _ = client.Close() })

			opts := []redisqueue.Option{redisqueue.WithLogger(logger)}
			if a.Name != "" {
				opts = append(opts, redisqueue.WithName(a.Name))
			}
			if a.Prefix != "" {
				opts = append(opts, redisqueue.WithPrefix(a.Prefix))
			}
			adapters = append(adapters, redisqueue.New(client, opts...))

		case "nats":
			nc, err := nats.Connect(a.URL, nats.Name("acidic"))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("nats adapter %q: %w", a.Name, err)
			}
			closers = append(closers, nc.Close)

			opts := []natsqueue.Option{natsqueue.WithLogger(logger)}
			if a.Name != "" {
				opts = append(opts, natsqueue.WithName(a.Name))
			}
			if a.Prefix != "" {
				opts = append(opts, natsqueue.WithSubjectPrefix(a.Prefix))
			}
			adapters = append(adapters, natsqueue.New(nc, opts...))

		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown adapter driver %q", a.Driver)
		}
	}
	return adapters, closeAll, nil
}
