package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change, loaded from an embedded
// NNN_name.sql file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// statements splits the migration into executable statements.
// ClickHouse runs one statement per Exec, so multi-statement files are
// split on semicolons outside string literals.
func (m Migration) statements() []string {
	return splitStatements(m.SQL)
}

// Migrator applies pending schema migrations at startup. Applied
// versions are tracked in the schema_migrations table so reruns are
// idempotent.
type Migrator struct {
	client *ClickHouseClient
}

// NewMigrator creates a new Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run applies every migration that has not been recorded yet, in
// version order.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		slog.Info("applying migration",
			"version", migration.Version,
			"name", migration.Name,
		)

		for _, stmt := range migration.statements() {
			if commentOnly(stmt) {
				continue
			}
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w",
					migration.Version, migration.Name, err)
			}
		}

		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(migration.Version), migration.Name,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// loadMigrations reads the embedded migration files, newest last.
// Files that do not match the NNN_name.sql pattern are skipped.
func (m *Migrator) loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok || !strings.HasSuffix(rest, ".sql") {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(rest, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// appliedVersions returns the set of recorded migration versions.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, QueryFailedf("appliedVersions", "schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, QueryFailedf("appliedVersions", "schema_migrations", err)
		}
		applied[int(version)] = true
	}

	return applied, nil
}

// commentOnly reports whether a statement contains nothing but SQL
// line comments and blank lines. Statements often open with a comment
// header, so only fully empty chunks are skippable.
func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// splitStatements splits SQL on semicolons, treating quoted strings as
// opaque so a semicolon inside a literal does not end the statement.
// A doubled quote inside a literal is an escape, not a terminator.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case quote != 0:
			current.WriteRune(ch)
			if ch == quote {
				if i+1 < len(runes) && runes[i+1] == quote {
					current.WriteRune(runes[i+1])
					i++
					continue
				}
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
			current.WriteRune(ch)
		case ch == ';':
			flush()
		default:
			current.WriteRune(ch)
		}
	}
	flush()

	return statements
}
