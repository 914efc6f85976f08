package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const migrationsTable = "schema_migrations"

// Migrate 按文件名顺序执行目录下尚未应用的 *.up.sql，并记录到 schema_migrations。
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, dir string, logger *zap.Logger) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	create := "CREATE TABLE IF NOT EXISTS " + migrationsTable + " (version TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)"
	if _, err := db.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create %s: %w", migrationsTable, err)
	}

	applied := 0
	for _, file := range files {
		version := strings.TrimSuffix(filepath.Base(file), ".up.sql")

		var exists int
		query := "SELECT COUNT(1) FROM " + migrationsTable + " WHERE version = " + dialect.Placeholder(1)
		if err := db.QueryRowContext(ctx, query, version).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, db, dialect, version, string(content)); err != nil {
			return applied, err
		}
		applied++
		logger.Info("migration applied", zap.String("version", version))
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect Dialect, version, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	insert := "INSERT INTO " + migrationsTable + " (version) VALUES (" + dialect.Placeholder(1) + ")"
	if _, err := tx.ExecContext(ctx, insert, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return tx.Commit()
}
