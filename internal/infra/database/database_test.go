package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
)

func TestNewCapsSQLitePool(t *testing.T) {
	db, err := New(context.Background(), config.DatabaseConfig{
		Driver:  "sqlite",
		DSN:     "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpen: 8,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected sqlite pool capped at 1, got %d", got)
	}
	if err := Health(context.Background(), db); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := Health(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
