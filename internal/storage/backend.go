package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrCorrupt is returned when persisted state exists but cannot be decoded.
var ErrCorrupt = errors.New("persisted state is corrupt")

// Backend persists the whole Document at once. Save must replace the previous
// snapshot atomically: a concurrent Load sees either the old or the new state.
type Backend interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Close() error
}

type Options struct {
	Driver        string
	Path          string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

// New opens the backend selected by opts.Driver.
func New(ctx context.Context, opts Options) (Backend, error) {
	switch normalizeDriver(opts.Driver) {
	case DriverJSON, "":
		return OpenFile(opts.Path)
	case DriverSQLite, DriverPostgres:
		return Open(ctx, opts.Driver, opts.DSN, opts.AutoMigrate, opts.MigrationsDir)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return DriverPostgres
	case "sqlite", "sqlite3":
		return DriverSQLite
	case "json", "file":
		return DriverJSON
	default:
		return d
	}
}
