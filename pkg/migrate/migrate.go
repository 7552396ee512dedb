package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/pubvault/pubvault/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// Migration is one versioned schema change with its rollback
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies SQL migrations from an embedded filesystem. Applied
// versions are tracked in the schema_migrations table.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	dir string
}

// NewMigrator opens the database and prepares a migration runner
func NewMigrator(cfg *config.DatabaseConfig, src fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Migrator{db: db, src: src, dir: dir}, nil
}

// Close closes the database connection
func (m *Migrator) Close() error { return m.db.Close() }

// Up applies all pending migrations in version order
func (m *Migrator) Up() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	ran := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(mig.UpSQL,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
			mig.Version, mig.Name); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
		ran++
	}

	if ran == 0 {
		log.Info().Msg("no pending migrations")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	var last int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to find last migration: %w", err)
	}
	if last == 0 {
		log.Info().Msg("no migrations to roll back")
		return nil
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version != last {
			continue
		}
		if err := m.apply(mig.DownSQL,
			"DELETE FROM schema_migrations WHERE version = $1", mig.Version); err != nil {
			return fmt.Errorf("rollback of %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("migration rolled back")
		return nil
	}

	return fmt.Errorf("migration file for version %d not found", last)
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// load reads and parses every *.sql file in the migrations directory.
// Files are named "<version>_<name>.sql" and contain "-- +migrate Up"
// and "-- +migrate Down" sections.
func (m *Migrator) load() ([]*Migration, error) {
	entries, err := fs.ReadDir(m.src, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, ok := parseFilename(entry.Name())
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("skipping unrecognized migration file")
			continue
		}

		content, err := fs.ReadFile(m.src, m.dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		up, down := splitSections(string(content))
		migrations = append(migrations, &Migration{
			Version: version,
			Name:    name,
			UpSQL:   up,
			DownSQL: down,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// apply runs a migration statement and its bookkeeping in one transaction
func (m *Migrator) apply(migrationSQL, recordSQL string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrationSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(recordSQL, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func parseFilename(filename string) (version int, name string, ok bool) {
	prefix, rest, found := strings.Cut(filename, "_")
	if !found {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(rest, ".sql"), true
}

func splitSections(content string) (up, down string) {
	var upLines, downLines []string
	inDown := false

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			inDown = false
		case "-- +migrate Down":
			inDown = true
		default:
			if inDown {
				downLines = append(downLines, line)
			} else {
				upLines = append(upLines, line)
			}
		}
	}
	return strings.Join(upLines, "\n"), strings.Join(downLines, "\n")
}
