package store

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate brings the fixed schema (collections, streams, the most
// aggregate) up to date. Per-collection tables are created separately at
// parser registration.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return wrap("migrate", err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return wrap("migrate", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return wrap("migrate", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return wrap("migrate", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return wrap("migrate", err)
	}
	s.log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema migrated")
	return nil
}
