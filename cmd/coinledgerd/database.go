package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres      = "postgres"
	driverMySQL         = "mysql"
	driverSQLite        = "sqlite"
	mysqlScheme         = "mysql://"
	sqliteScheme        = "sqlite://"
	sqliteBusyTimeout   = "_pragma=busy_timeout(5000)"
	defaultSQLiteFile   = "coinledger.db"
	sqliteMaxOpenConns  = 1
	mysqlParseTimeParam = "parseTime=true"
)

// storeBackend is an opened persistence layer with its schema hook and cleanup.
type storeBackend struct {
	store   ledger.Store
	driver  string
	migrate func(ctx context.Context) error
	cleanup func() error
}

func (backend *storeBackend) close(logger *zap.Logger) {
	if err := backend.cleanup(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*storeBackend, error) {
	if cfg.StoreBackend == config.StoreBackendPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		store := pgstore.New(pool)
		return &storeBackend{
			store:   store,
			driver:  driverPostgres,
			migrate: store.Migrate,
			cleanup: func() error {
				pool.Close()
				return nil
			},
		}, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	store := gormstore.New(gormDB)
	return &storeBackend{
		store:   store,
		driver:  driver,
		migrate: store.Migrate,
		cleanup: cleanup,
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, driverDSN, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(driverDSN), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(driverDSN), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(driverDSN), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite allows a single writer; one connection keeps row locks serialized.
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, "", fmt.Errorf("ping: %w", err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db, cleanup, driver, nil
}

// resolveDriver maps a database url onto a gorm driver name and the DSN that driver expects.
func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, mysqlScheme) {
		mysqlDSN := strings.TrimPrefix(dsn, mysqlScheme)
		if mysqlDSN == "" {
			return "", "", fmt.Errorf("mysql url has no dsn")
		}
		if !strings.Contains(mysqlDSN, mysqlParseTimeParam) {
			mysqlDSN = appendQuery(mysqlDSN, mysqlParseTimeParam)
		}
		return driverMySQL, mysqlDSN, nil
	}
	if strings.HasPrefix(dsn, sqliteScheme) {
		u, err := url.Parse(dsn)
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
		if err != nil {
			return "", "", err
		}
		return driverSQLite, appendQuery(sqlitePath, sqliteBusyTimeout), nil
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	if err != nil {
		return "", "", err
	}
	return driverSQLite, appendQuery(sqlitePath, sqliteBusyTimeout), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func appendQuery(dsn string, parameter string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + parameter
	}
	return dsn + "?" + parameter
}
