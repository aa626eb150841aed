package sqlitestore

import "time"

type Config struct {
	Path            string        `env:"SQLITE_PATH" envDefault:"billing.db"`
	BusyTimeout     time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
	MigrationsTable string        `env:"SQLITE_MIGRATIONS_TABLE" envDefault:"billing_schema_migrations"`
}
