package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaStep is one numbered file under migrations/, named NNN_label.sql.
type schemaStep struct {
	version int
	label   string
	script  string
}

func loadSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]schemaStep, 0, len(names))
	seen := map[int]string{}
	for _, name := range names {
		base := strings.TrimSuffix(path.Base(name), ".sql")
		num, label, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNN_label.sql", name)
		}
		v, err := strconv.Atoi(num)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, num)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", name, v, prev)
		}
		seen[v] = name
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: v, label: label, script: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// runMigrations brings the database up to the newest embedded schema step.
// Each step runs in its own transaction together with its bookkeeping row.
func runMigrations(ctx context.Context, db *sql.DB) error {
	steps, err := loadSchemaSteps(migrationFS)
	if err != nil {
		return err
	}

	const bookkeeping = `CREATE TABLE IF NOT EXISTS pulse_schema (
		version    INTEGER PRIMARY KEY,
		label      TEXT NOT NULL,
		applied_ns INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return fmt.Errorf("prepare pulse_schema: %w", err)
	}

	var at int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM pulse_schema`).Scan(&at); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, step := range steps {
		if step.version <= at {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema step %d: %w", step.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range sqlStatements(step.script) {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %d (%s) statement %d: %w", step.version, step.label, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO pulse_schema (version, label, applied_ns) VALUES (?, ?, strftime('%s','now') * 1000000000)`,
		step.version, step.label); err != nil {
		return fmt.Errorf("schema step %d: record: %w", step.version, err)
	}
	return tx.Commit()
}

// sqlStatements drops "--" comment lines and splits the rest on semicolons.
// Scripts must not put semicolons inside string literals.
func sqlStatements(script string) []string {
	var kept strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}

	var out []string
	for _, part := range strings.Split(kept.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
