package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// bootstrapVersion creates schema_migrations and so cannot be looked up in it
const bootstrapVersion = "000"

type migration struct {
	version string
	file    string
}

// Migrate applies pending migrations in file name order, each in its own
// transaction together with its schema_migrations row.
// A nil logger runs silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	log = logger.OrNop(log)

	pending, err := listMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range pending {
		done, err := isApplied(db, m.version)
		if err != nil {
			return errors.Wrapf(err, "check %s", m.file)
		}
		if done {
			log.Debugw("Migration already applied", "migration", m.file)
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		applied++
		log.Infow("Applied migration", "migration", m.file, "version", m.version)
	}

	log.Debugw("Migrations complete", "total", len(pending), "applied", applied)
	return nil
}

func listMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, _, _ := strings.Cut(e.Name(), "_")
		out = append(out, migration{version: version, file: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].file < out[j].file })
	return out, nil
}

// isApplied reports whether version is recorded. Before the bootstrap
// migration has run the lookup fails, which only the bootstrap may ignore.
func isApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
	if err == nil {
		return exists, nil
	}
	if version == bootstrapVersion && !IsDatabaseClosed(err) {
		return false, nil
	}
	return false, err
}

func apply(db *sql.DB, m migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "record %s", m.file)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.file)
	}
	return nil
}
