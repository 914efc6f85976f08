package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zacharykka/genai-governor/internal/infra/cache"
	"github.com/zacharykka/genai-governor/internal/infra/database"
	"github.com/zacharykka/genai-governor/internal/infra/repository"
	"github.com/zacharykka/genai-governor/internal/service/registry"
	"github.com/zacharykka/genai-governor/internal/testutil"
)

func setupCatalog(t *testing.T) (*Service, *registry.Service) {
	t.Helper()
	db := testutil.NewSQLite(t)
	repos := repository.NewSQLRepositories(db, database.NewDialect("sqlite"))
	models := registry.NewService(repos, cache.NewSnapshot(nil, "test", time.Minute, nil), nil)
	svc := NewService(repos, models, nil)
	if _, err := svc.CreateRole(context.Background(), RoleInput{Name: "analyst", Permissions: []string{"genai:invoke", " genai:invoke ", ""}}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	return svc, models
}

func TestCreateRoleNormalizesPermissions(t *testing.T) {
	svc, _ := setupCatalog(t)
	roles, err := svc.ListRoles(context.Background())
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 || len(roles[0].Permissions) != 1 || roles[0].Permissions[0] != "genai:invoke" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
	if _, err := svc.CreateRole(context.Background(), RoleInput{Name: "analyst"}); !errors.Is(err, ErrRoleExists) {
		t.Fatalf("expected ErrRoleExists, got %v", err)
	}
	if _, err := svc.UpdateRolePermissions(context.Background(), "ghost", nil); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestCreateUserValidatesRoles(t *testing.T) {
	svc, _ := setupCatalog(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, UserInput{Email: " Alice@Example.com ", Role: "analyst"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != "alice@example.com" || user.Status != StatusActive {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := svc.CreateUser(ctx, UserInput{Email: "alice@example.com", Role: "analyst"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, UserInput{Email: "bob@example.com", Role: "analyst", AdditionalRoles: []string{"ghost"}}); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, UserInput{Email: "", Role: "analyst"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateAccess(t *testing.T) {
	svc, _ := setupCatalog(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, UserInput{ID: "alice", Email: "alice@example.com", Role: "analyst"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	denied := []string{"analytics:read"}
	disabled := StatusDisabled
	updated, err := svc.UpdateAccess(ctx, user.ID, AccessInput{DeniedPermissions: &denied, Status: &disabled})
	if err != nil {
		t.Fatalf("update access: %v", err)
	}
	if updated.Status != StatusDisabled || len(updated.DeniedPermissions) != 1 {
		t.Fatalf("unexpected user after update: %+v", updated)
	}

	bogus := "paused"
	if _, err := svc.UpdateAccess(ctx, user.ID, AccessInput{Status: &bogus}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.UpdateAccess(ctx, "ghost", AccessInput{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestModelLifecycleInvalidatesRegistry(t *testing.T) {
	svc, models := setupCatalog(t)
	ctx := context.Background()

	input := ModelInput{
		Provider:              "openai",
		ModelName:             "gpt-4o",
		ModelIdentifier:       "openai/gpt-4o",
		InputCostPer1K:        2.5,
		OutputCostPer1K:       10,
		IsEnabled:             true,
		RequiresAdminApproval: true,
	}
	created, err := svc.CreateModel(ctx, input)
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if _, err := models.Callable(ctx, "openai/gpt-4o", "chat", "analyst"); !errors.Is(err, registry.ErrModelNotApproved) {
		t.Fatalf("expected model to await approval, got %v", err)
	}

	if _, err := svc.ApproveModel(ctx, created.ID, "root"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := models.Callable(ctx, "openai/gpt-4o", "chat", "analyst"); err != nil {
		t.Fatalf("expected approved model to be callable, got %v", err)
	}

	input.IsEnabled = false
	input.ModelIdentifier = "renamed"
	updated, err := svc.UpdateModel(ctx, created.ID, input)
	if err != nil {
		t.Fatalf("update model: %v", err)
	}
	if updated.ModelIdentifier != "openai/gpt-4o" {
		t.Fatalf("identifier must not change, got %s", updated.ModelIdentifier)
	}
	if _, err := models.Callable(ctx, "openai/gpt-4o", "chat", "analyst"); !errors.Is(err, registry.ErrModelDisabled) {
		t.Fatalf("expected disabled model after update, got %v", err)
	}

	input.ModelIdentifier = "openai/gpt-4o"
	if _, err := svc.CreateModel(ctx, input); !errors.Is(err, ErrModelExists) {
		t.Fatalf("expected ErrModelExists, got %v", err)
	}
}

func TestCreateModelDefaultsContextLength(t *testing.T) {
	svc, _ := setupCatalog(t)
	ctx := context.Background()

	model, err := svc.CreateModel(ctx, ModelInput{Provider: "openai", ModelName: "m", ModelIdentifier: "m-1", IsEnabled: true})
	if err != nil {
		t.Fatalf("create model without context length: %v", err)
	}
	if model.MaxContextLength != defaultContextLength {
		t.Fatalf("expected default context length %d, got %d", defaultContextLength, model.MaxContextLength)
	}

	_, err = svc.CreateModel(ctx, ModelInput{Provider: "openai", ModelName: "m", ModelIdentifier: "m-2", MaxContextLength: -1})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative context length, got %v", err)
	}
}

func TestCreateModelValidation(t *testing.T) {
	svc, _ := setupCatalog(t)
	_, err := svc.CreateModel(context.Background(), ModelInput{ModelIdentifier: "x", InputCostPer1K: -1})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.ApproveModel(context.Background(), "missing", "root"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}
