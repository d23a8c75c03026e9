package migration

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
)

const migrationsTable = "periodic_schema_migrations"

//go:embed sql/*.sql
var migrationsFS embed.FS

// Up applies all pending migrations using its own connection to conn.
func Up(conn string) error {
	m, err := newMigrate(conn)
	if err != nil {
		return err
	}

	err = m.Up()
	srcErr, dbErr := m.Close()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}

	return errors.Join(err, srcErr, dbErr)
}

// Down reverts every migration.
func Down(conn string) error {
	m, err := newMigrate(conn)
	if err != nil {
		return err
	}

	err = m.Down()
	srcErr, dbErr := m.Close()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}

	return errors.Join(err, srcErr, dbErr)
}

func newMigrate(conn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, errors.Join(err, src.Close())
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, errors.Join(err, src.Close(), db.Close())
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, errors.Join(err, src.Close(), driver.Close())
	}

	return m, nil
}
