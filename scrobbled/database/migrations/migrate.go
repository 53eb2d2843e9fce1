package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/xerrors"
)

//go:embed *.sql
var migrations embed.FS

func setup(db *sql.DB) (source.Driver, *migrate.Migrate, error) {
	ctx := context.Background()
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, nil, xerrors.Errorf("create iofs: %w", err)
	}

	// migrate runs each migration inside a transaction that holds an
	// advisory lock, so concurrent server starts serialize cleanly.
	dbDriver := &pgTxnDriver{ctx: ctx, db: db}
	err = dbDriver.ensureVersionTable()
	if err != nil {
		return nil, nil, xerrors.Errorf("ensure version table: %w", err)
	}

	m, err := migrate.NewWithInstance("", sourceDriver, "", dbDriver)
	if err != nil {
		return nil, nil, xerrors.Errorf("new migrate instance: %w", err)
	}

	return sourceDriver, m, nil
}

// Up runs SQL migrations to ensure the database schema is up-to-date.
func Up(db *sql.DB) (retErr error) {
	_, m, err := setup(db)
	if err != nil {
		return xerrors.Errorf("migrate setup: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if retErr != nil {
			return
		}
		if dbErr != nil {
			retErr = dbErr
			return
		}
		retErr = srcErr
	}()

	err = m.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// It's OK if no changes happened.
			return nil
		}

		return xerrors.Errorf("up: %w", err)
	}

	return nil
}

// Down reverts the most recent migration, mainly useful for tests.
func Down(db *sql.DB) error {
	_, m, err := setup(db)
	if err != nil {
		return xerrors.Errorf("migrate setup: %w", err)
	}

	err = m.Down()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}

		return xerrors.Errorf("down: %w", err)
	}

	return nil
}

// EnsureClean checks whether all migrations have been applied and the
// database is not dirty. It does not apply any migrations.
func EnsureClean(db *sql.DB) error {
	sourceDriver, m, err := setup(db)
	if err != nil {
		return xerrors.Errorf("migrate setup: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return xerrors.Errorf("get migration version: %w", err)
	}

	if dirty {
		return xerrors.Errorf("database is dirty at version %d", version)
	}

	latest, err := latestVersion(sourceDriver)
	if err != nil {
		return xerrors.Errorf("get latest migration version: %w", err)
	}

	if version != latest {
		return xerrors.Errorf("database version %d does not match latest migration %d", version, latest)
	}

	return nil
}

func latestVersion(sourceDriver source.Driver) (uint, error) {
	version, err := sourceDriver.First()
	if err != nil {
		return 0, xerrors.Errorf("get first migration: %w", err)
	}

	for {
		next, err := sourceDriver.Next(version)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return version, nil
			}
			return 0, xerrors.Errorf("get next migration after %d: %w", version, err)
		}
		version = next
	}
}
