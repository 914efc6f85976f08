package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/cache"
	"github.com/zacharykka/genai-governor/internal/infra/database"
	"github.com/zacharykka/genai-governor/internal/infra/repository"
	"github.com/zacharykka/genai-governor/internal/testutil"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewSQLite(t)
	repos := repository.NewSQLRepositories(db, database.NewDialect("sqlite"))
	return NewService(repos, cache.NewSnapshot(nil, "test", time.Minute, nil), nil)
}

func strp(v string) *string { return &v }

func TestChainFiltersByUseCaseAndConfig(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	inputs := []CreateInput{
		{Name: "global-pii", Type: domain.GuardrailPII, Action: domain.ActionRedact, Config: json.RawMessage(`{"detectors":["email"]}`), ExecutionOrder: 1, IsActive: true},
		{Name: "summaries-length", Type: domain.GuardrailLength, Action: domain.ActionTruncate, Config: json.RawMessage(`{"max_chars":100}`), ExecutionOrder: 0, UseCase: strp("summarization"), IsActive: true},
		{Name: "config-keyword", Type: domain.GuardrailKeyword, Action: domain.ActionBlock, Config: json.RawMessage(`{"keywords":["classified"]}`), ExecutionOrder: 2, ConfigID: strp("cfg-1"), IsActive: true},
		{Name: "inactive", Type: domain.GuardrailPromptInjection, Action: domain.ActionBlock, IsActive: false},
	}
	for _, in := range inputs {
		if _, err := svc.Create(ctx, in); err != nil {
			t.Fatalf("create %s: %v", in.Name, err)
		}
	}

	chain, err := svc.Chain(ctx, "summarization", "cfg-1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	names := make([]string, 0, len(chain))
	for _, g := range chain {
		names = append(names, g.Name)
	}
	want := []string{"summaries-length", "global-pii", "config-keyword"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}

	chain, err = svc.Chain(ctx, "extraction", "cfg-2")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 || chain[0].Name != "global-pii" {
		t.Fatalf("expected only the unscoped guardrail, got %d entries", len(chain))
	}
}

func TestCreateRejectsInvalidConfigAndDuplicates(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Name: "bad", Type: domain.GuardrailLength, Action: domain.ActionBlock, Config: json.RawMessage(`{"max_chars":-1}`)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{Name: " ", Type: domain.GuardrailLength, Action: domain.ActionBlock}); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}

	in := CreateInput{Name: "len", Type: domain.GuardrailLength, Action: domain.ActionBlock, Config: json.RawMessage(`{"max_chars":10}`), IsActive: true}
	if _, err := svc.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, in); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestUpdateReordersChain(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	redact, err := svc.Create(ctx, CreateInput{Name: "redact", Type: domain.GuardrailKeyword, Action: domain.ActionRedact,
		Config: json.RawMessage(`{"keywords":["forbidden"]}`), ExecutionOrder: 1, IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{Name: "block", Type: domain.GuardrailKeyword, Action: domain.ActionBlock,
		Config: json.RawMessage(`{"keywords":["forbidden"]}`), ExecutionOrder: 2, IsActive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	chain, err := svc.Chain(ctx, "chat", "")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if _, decision := RunPre("a forbidden topic", chain); decision.Blocked() {
		t.Fatalf("expected redaction first, got %+v", decision)
	}

	order := 3
	if _, err := svc.Update(ctx, UpdateInput{ID: redact.ID, ExecutionOrder: &order}); err != nil {
		t.Fatalf("update: %v", err)
	}
	chain, err = svc.Chain(ctx, "chat", "")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if _, decision := RunPre("a forbidden topic", chain); !decision.Blocked() {
		t.Fatalf("expected block after reordering, got %+v", decision)
	}
}
