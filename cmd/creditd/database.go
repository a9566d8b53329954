package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/aicredits/internal/config"
	"github.com/MarkoPoloResearchLab/aicredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/aicredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "aicredits.db"
)

// ledgerStore is what the service needs from either store implementation.
type ledgerStore interface {
	credits.Store
	credits.PlanReader
	credits.OrganizationReader
}

type openedStore struct {
	store   ledgerStore
	migrate func() error
	close   func()
}

func openStore(ctx context.Context, cfg config.Config) (*openedStore, error) {
	if cfg.StoreDriver == config.StoreDriverPGX {
		return openPGXStore(ctx, cfg.DatabaseURL)
	}
	return openGORMStore(ctx, cfg.DatabaseURL)
}

func openPGXStore(ctx context.Context, dsn string) (*openedStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return &openedStore{
		store: pgstore.New(pool),
		migrate: func() error {
			db := stdlib.OpenDBFromPool(pool)
			defer db.Close()
			return pgstore.Migrate(db)
		},
		close: pool.Close,
	}, nil
}

func openGORMStore(ctx context.Context, dsn string) (*openedStore, error) {
	gormDB, sqlDB, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	return &openedStore{
		store: gormstore.New(gormDB),
		migrate: func() error {
			return prepareSchema(gormDB, sqlDB, driver)
		},
		close: func() { _ = sqlDB.Close() },
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, *sql.DB, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return db.WithContext(ctx), sqlDB, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
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
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
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

// prepareSchema runs the versioned migrations on postgres and AutoMigrate on sqlite.
func prepareSchema(db *gorm.DB, sqlDB *sql.DB, driver string) error {
	if driver == driverPostgres {
		if err := pgstore.Migrate(sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
