package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/camwatch/internal/logging"
)

//go:embed *.sql
var schemaFS embed.FS

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

type appliedMigration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// schemaFile is one embedded migration.
type schemaFile struct {
	name     string
	body     string
	checksum string
}

// MigrationStatus reports whether one migration file has been applied.
// Modified is set when the applied checksum no longer matches the file.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

// Migrator applies the embedded schema files in name order.
type Migrator struct {
	db     *sqlx.DB
	logger *logging.Logger
}

func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db, logger: logging.Default().WithComponent("migrate")}
}

// Up applies every migration not yet recorded in schema_migrations. Each
// file runs in its own transaction together with its bookkeeping row.
func (m *Migrator) Up(ctx context.Context) error {
	files, applied, err := m.load(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		if prev, ok := applied[f.name]; ok {
			if prev.Checksum != f.checksum {
				m.logger.Warn("Applied migration differs from embedded file", "migration", f.name)
			}
			continue
		}
		if err := m.apply(ctx, f); err != nil {
			return fmt.Errorf("migration %s failed: %w", f.name, err)
		}
		m.logger.Info("Applied migration", "migration", f.name)
	}
	return nil
}

// Status lists every embedded migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	files, applied, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		st := MigrationStatus{Name: f.name}
		if prev, ok := applied[f.name]; ok {
			st.Applied = true
			st.AppliedAt = prev.AppliedAt
			st.Modified = prev.Checksum != f.checksum
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Migrator) load(ctx context.Context) ([]schemaFile, map[string]appliedMigration, error) {
	if _, err := m.db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var rows []appliedMigration
	if err := m.db.SelectContext(ctx, &rows,
		`SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`); err != nil {
		return nil, nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	applied := make(map[string]appliedMigration, len(rows))
	for _, r := range rows {
		applied[r.Name] = r
	}

	files, err := embeddedSchema()
	if err != nil {
		return nil, nil, err
	}
	return files, applied, nil
}

func (m *Migrator) apply(ctx context.Context, f schemaFile) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, f.body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, f.name, f.checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// embeddedSchema returns the *.sql files sorted by name (fs.ReadDir order).
func embeddedSchema() ([]schemaFile, error) {
	entries, err := fs.ReadDir(schemaFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	var files []schemaFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := schemaFS.ReadFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		files = append(files, schemaFile{
			name:     strings.TrimSuffix(e.Name(), ".sql"),
			body:     string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return files, nil
}

// ConnectAndMigrate connects and brings the schema up to date.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(db.DB).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}
