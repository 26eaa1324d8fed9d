// Package database opens the GORM connection selected by a DSN.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"

	defaultSQLiteFile = "rentalrewards.db"
	memorySQLitePath  = ":memory:"
)

// ErrUnsupportedDSN is returned for a DSN whose scheme cannot be served.
var ErrUnsupportedDSN = errors.New("unsupported database dsn")

// Connection is an open database handle.
type Connection struct {
	DB     *gorm.DB
	Driver Driver
	close  func() error
}

// Close releases the underlying pool.
func (connection Connection) Close() error {
	if connection.close == nil {
		return nil
	}
	return connection.close()
}

// Open connects to postgres:// and postgresql:// URLs with the pgx-backed driver and treats
// sqlite:// URLs and bare paths as SQLite files.
func Open(ctx context.Context, dsn string) (Connection, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return Connection{}, err
	}
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), config)
	default:
		return Connection{}, fmt.Errorf("%w: %q", ErrUnsupportedDSN, driver)
	}
	if err != nil {
		return Connection{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return Connection{}, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; an in-memory database also lives on one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	return Connection{DB: db.WithContext(ctx), Driver: driver, close: sqlDB.Close}, nil
}

// ResolveDriver maps a DSN to its driver and, for SQLite, the file path.
func ResolveDriver(dsn string) (Driver, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	if strings.Contains(trimmed, "://") {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDSN, trimmed)
	}
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == memorySQLitePath || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
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
