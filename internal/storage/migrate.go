package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

// RunMigrations brings the security_events and documents tables up to date
// using the numbered SQL files in migrationsDir. A schema left dirty by a
// failed run is reported instead of being migrated further.
func RunMigrations(dbURL, migrationsDir string) error {
	dir, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("resolving migrations dir: %w", err)
	}
	m, err := migrate.New("file://"+filepath.ToSlash(dir), dbURL)
	if err != nil {
		return fmt.Errorf("opening migrations in %s: %w", dir, err)
	}
	defer m.Close()

	if version, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("schema version %d is dirty, fix it by hand before starting", version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	log.Info().Uint("schema_version", version).Str("dir", dir).Msg("storage schema ready")
	return nil
}
