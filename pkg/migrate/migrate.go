// Package migrate applies embedded goose migrations to SQL stores.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

var (
	ErrFailedToApplyMigrations = errors.New("failed to apply migrations")
	ErrUnsupportedDialect      = errors.New("unsupported migration dialect")
)

// Dialects understood by Up.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// DefaultTable stores applied migration versions.
const DefaultTable = "schema_migrations"

// goose keeps its configuration in package globals.
var mu sync.Mutex

// Source describes a set of migrations to apply.
type Source struct {
	FS      fs.FS  // migration files
	Dir     string // directory inside FS, "." for the root
	Dialect string
	Table   string // defaults to DefaultTable
}

// Up applies all pending migrations from src to db.
func Up(ctx context.Context, db *sql.DB, src Source, log *slog.Logger) error {
	switch src.Dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return errors.Join(ErrUnsupportedDialect, fmt.Errorf("dialect %q", src.Dialect))
	}
	if src.Dir == "" {
		src.Dir = "."
	}
	if src.Table == "" {
		src.Table = DefaultTable
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(src.FS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(&slogAdapter{log: log})
	goose.SetTableName(src.Table)

	if err := goose.SetDialect(src.Dialect); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, db, src.Dir); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err == nil {
		log.InfoContext(ctx, "Migrations applied",
			slog.String("dialect", src.Dialect),
			slog.Int64("version", version),
		)
	}
	return nil
}

// slogAdapter routes goose output through the application logger.
type slogAdapter struct {
	log *slog.Logger
}

func (a *slogAdapter) Fatalf(format string, v ...any) {
	a.log.Error(fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.log.Debug(fmt.Sprintf(format, v...))
}
