// Package migrations applies the SQL schema under migrations/ with
// golang-migrate.
package migrations

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

// Dir returns MIGRATIONS_DIR, defaulting to ./migrations.
func Dir() string {
	return util.GetEnvString("MIGRATIONS_DIR", "migrations")
}

func open(databaseURL, dir string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open migrations %s: %w", dir, err)
	}
	return m, nil
}

// Up applies every pending migration.
func Up(databaseURL, dir string) error {
	m, err := open(databaseURL, dir)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("[Migrate] Schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	version, _, _ := m.Version()
	logger.Info("[Migrate] Schema migrated", "version", version)
	return nil
}

// Down reverts the given number of migrations.
func Down(databaseURL, dir string, steps int) error {
	if steps <= 0 {
		return errors.New("steps must be positive")
	}
	m, err := open(databaseURL, dir)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	logger.Info("[Migrate] Reverted migrations", "steps", steps)
	return nil
}
