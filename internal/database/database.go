package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers resolved from a database URL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Backends for postgres URLs.
const (
	BackendGORM = "gorm"
	BackendPGX  = "pgx"
)

const (
	defaultSQLiteFile   = "wagerledger.db"
	sqliteBusyTimeoutMS = 5000
	memoryScheme        = "memory://"
)

// Options selects how the database is opened.
type Options struct {
	URL            string
	Backend        string
	MaxConnections int32
}

// Database is an opened store together with its lifecycle hooks.
type Database struct {
	Store   ledger.Store
	Driver  string
	Backend string
	gormDB  *gorm.DB
	pool    *pgxpool.Pool
	closeFn func() error
}

// Open resolves the URL to a driver and opens the matching store.
func Open(ctx context.Context, options Options) (*Database, error) {
	driver, sqlitePath, err := ResolveDriver(options.URL)
	if err != nil {
		return nil, err
	}
	backend := strings.ToLower(strings.TrimSpace(options.Backend))
	if backend == "" {
		backend = BackendGORM
	}
	switch driver {
	case DriverMemory:
		return &Database{Store: memstore.New(), Driver: driver, Backend: DriverMemory, closeFn: func() error { return nil }}, nil
	case DriverPostgres:
		if backend == BackendPGX {
			pool, err := pgstore.Open(ctx, options.URL, options.MaxConnections)
			if err != nil {
				return nil, err
			}
			return &Database{Store: pgstore.New(pool), Driver: driver, Backend: backend, pool: pool, closeFn: func() error { pool.Close(); return nil }}, nil
		}
		if backend != BackendGORM {
			return nil, fmt.Errorf("unsupported database backend %q", backend)
		}
		db, err := gorm.Open(postgres.Open(options.URL), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return wrapGORM(db, driver, options.MaxConnections)
	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer; one connection keeps transactions serial.
		return wrapGORM(db, driver, 1)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

// Migrate creates or updates the schema for the opened backend.
func (database *Database) Migrate(ctx context.Context) error {
	switch {
	case database.gormDB != nil:
		if err := gormstore.Migrate(ctx, database.gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	case database.pool != nil:
		if err := pgstore.Migrate(ctx, database.pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks that the database answers.
func (database *Database) Ping(ctx context.Context) error {
	switch {
	case database.gormDB != nil:
		sqlDB, err := database.gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	case database.pool != nil:
		return database.pool.Ping(ctx)
	}
	return nil
}

// Close releases the underlying connections.
func (database *Database) Close() error {
	if database.closeFn == nil {
		return nil
	}
	return database.closeFn()
}

func wrapGORM(db *gorm.DB, driver string, maxConnections int32) (*Database, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxConnections > 0 {
		sqlDB.SetMaxOpenConns(int(maxConnections))
	}
	return &Database{
		Store:   gormstore.New(db),
		Driver:  driver,
		Backend: BackendGORM,
		gormDB:  db,
		closeFn: sqlDB.Close,
	}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, separator, sqliteBusyTimeoutMS)
}

// ResolveDriver maps a database URL to a driver and, for sqlite, a file path.
func ResolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("database url is required")
	}
	if strings.HasPrefix(trimmed, memoryScheme) {
		return DriverMemory, "", nil
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if filepath.IsAbs(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
