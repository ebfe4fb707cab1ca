// Package migrate manages the ClickHouse schema used by the export
// sink: the function_calls and module_events tables.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Tables created by the embedded migrations, in creation order.
var Tables = []string{"function_calls", "module_events"}

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a new Migrator.
// The dsn should be a ClickHouse connection string (e.g., "clickhouse://host:9000/database").
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// Up applies all pending migrations and verifies the resulting schema
// version against the embedded migration set.
func (m *migrator) Up(ctx context.Context) error {
	return m.withMigrate(func(mig *migrate.Migrate) error {
		m.log.WithField("tables", strings.Join(Tables, ",")).
			Info("Applying schema migrations")

		if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("applying migrations: %w", err)
		}

		version, _, _ := mig.Version()

		want := latestVersion()
		if version < want {
			m.log.WithFields(logrus.Fields{
				"version": version,
				"want":    want,
			}).Warn("Schema is behind the embedded migration set")
		} else {
			m.log.WithField("version", version).Info("Schema is up to date")
		}

		return nil
	})
}

// Down rolls back the last migration.
func (m *migrator) Down(ctx context.Context) error {
	return m.withMigrate(func(mig *migrate.Migrate) error {
		m.log.Info("Rolling back last schema migration")

		if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migration: %w", err)
		}

		m.log.Info("Rollback complete")

		return nil
	})
}

// Status returns the current migration version.
func (m *migrator) Status(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)

	err := m.withMigrate(func(mig *migrate.Migrate) error {
		var err error

		version, dirty, err = mig.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("getting migration version: %w", err)
		}

		return nil
	})

	return version, dirty, err
}

// withMigrate runs fn against a fresh migrate instance backed by the
// embedded SQL and the configured ClickHouse.
func (m *migrator) withMigrate(fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	// ClickHouse needs x-multi-statement to run files with several
	// statements.
	mig, err := migrate.NewWithSourceInstance(
		"iofs", source, m.dsn+"?x-multi-statement=true",
	)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer mig.Close()

	return fn(mig)
}

// latestVersion returns the highest version number among the embedded
// migration files.
func latestVersion() uint {
	entries, err := fs.ReadDir(migrations, "sql")
	if err != nil {
		return 0
	}

	var latest uint64

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}

		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}

		if v > latest {
			latest = v
		}
	}

	return uint(latest)
}
