// Package migrations holds the schema of the results archive and quiz catalog.
package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations is applied by the migrate command in file-name order. bun names
// each change after the file that registers it, so every change keeps its
// own numbered file.
var Migrations = migrate.NewMigrations()

// sqlChange builds the up and down steps of a plain SQL change. Each step runs
// in its own transaction.
func sqlChange(up, down string) (migrate.MigrationFunc, migrate.MigrationFunc) {
	return inTx("up", up), inTx("down", down)
}

func inTx(direction, query string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			return nil
		})
	}
}
