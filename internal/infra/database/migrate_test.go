package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestMigrateAppliesOnce(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"000001_init.up.sql":   "CREATE TABLE widgets (id TEXT PRIMARY KEY);",
		"000001_init.down.sql": "DROP TABLE widgets;",
		"000002_more.up.sql":   "ALTER TABLE widgets ADD COLUMN name TEXT;",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	dialect := NewDialect("sqlite")

	applied, err := Migrate(ctx, db, dialect, dir, zap.NewNop())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 migrations applied, got %d", applied)
	}

	applied, err = Migrate(ctx, db, dialect, dir, zap.NewNop())
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no migrations on second run, got %d", applied)
	}

	if _, err := db.Exec("INSERT INTO widgets (id, name) VALUES ('w1', 'gear')"); err != nil {
		t.Fatalf("expected migrated schema: %v", err)
	}
}
