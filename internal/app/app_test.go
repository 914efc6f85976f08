package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) SweepResets(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, nil
}

func TestResetSweeperRunsUntilCancelled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second},
		Governance: config.GovernanceConfig{ResetSweepInterval: 10 * time.Millisecond},
	}
	sweeper := &countingSweeper{}
	application := New(cfg, zap.NewNop(), gin.New(), sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	application.startResetSweeper(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	application.wg.Wait()

	if got := sweeper.calls.Load(); got < 3 {
		t.Fatalf("expected at least 3 sweeps, got %d", got)
	}
}

func TestResetSweeperDisabledWithoutInterval(t *testing.T) {
	cfg := &config.Config{}
	sweeper := &countingSweeper{}
	application := New(cfg, zap.NewNop(), gin.New(), sweeper)

	application.startResetSweeper(context.Background())
	application.wg.Wait()

	if got := sweeper.calls.Load(); got != 0 {
		t.Fatalf("expected no sweeps, got %d", got)
	}
}
