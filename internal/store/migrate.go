package store

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

func migratePostgres(pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close() //nolint:errcheck

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		return eris.Wrap(err, "postgres: migrate driver")
	}
	return runMigrations(driver, "postgres")
}

func migrateSQLite(sqlDB *sql.DB) error {
	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return eris.Wrap(err, "sqlite: migrate driver")
	}
	return runMigrations(driver, "sqlite")
}

func runMigrations(driver database.Driver, dialect string) error {
	source, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return eris.Wrapf(err, "%s: migration source", dialect)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return eris.Wrapf(err, "%s: migrate instance", dialect)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrapf(err, "%s: migrate up", dialect)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return eris.Wrapf(err, "%s: migration version", dialect)
	}
	zap.L().Debug("migrations applied",
		zap.String("dialect", dialect),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}
