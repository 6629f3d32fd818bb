package migrate

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/db"
)

//go:embed *.sql
var fs embed.FS

// versions lists embedded migration files in apply order.
func versions() ([]string, error) {
	entries, err := fs.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Up applies every embedded migration not yet recorded in schema_migrations,
// each in its own transaction, and returns the versions it applied.
func Up(ctx context.Context, d *db.DB, logger zerolog.Logger) ([]string, error) {
	files, err := versions()
	if err != nil {
		return nil, err
	}

	if err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now());`); err != nil {
		return nil, fmt.Errorf("migrate: schema_migrations: %w", err)
	}

	var applied []string
	for _, f := range files {
		var done bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&done); err != nil {
			return applied, err
		}
		if done {
			continue
		}

		b, err := fs.ReadFile(f)
		if err != nil {
			return applied, err
		}
		err = d.InTx(ctx, func(tx db.Tx) error {
			if err := tx.Exec(ctx, string(b)); err != nil {
				return err
			}
			return tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, f)
		})
		if err != nil {
			return applied, fmt.Errorf("migrate: apply %s: %w", f, err)
		}
		logger.Info().Str("version", f).Msg("migration applied")
		applied = append(applied, f)
	}

	return applied, nil
}
