package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type snapshotItem struct {
	Name string `json:"name"`
}

func TestFetchCachesUntilExpiry(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	s := NewSnapshot(nil, "test", time.Minute, nil).WithClock(func() time.Time { return now })

	calls := 0
	load := func(context.Context) ([]snapshotItem, error) {
		calls++
		return []snapshotItem{{Name: "global-default"}}, nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		items, err := Fetch(ctx, s, "configs", load)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(items) != 1 || items[0].Name != "global-default" {
			t.Fatalf("unexpected items: %+v", items)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 load got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := Fetch(ctx, s, "configs", load); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reload after expiry got %d loads", calls)
	}
}

func TestFetchInvalidate(t *testing.T) {
	s := NewSnapshot(nil, "test", time.Minute, nil)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	ctx := context.Background()
	first, _ := Fetch(ctx, s, "models", load)
	s.Invalidate(ctx, "models")
	second, _ := Fetch(ctx, s, "models", load)
	if first != 1 || second != 2 {
		t.Fatalf("expected invalidation to force reload, got %d then %d", first, second)
	}
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	s := NewSnapshot(nil, "test", time.Minute, nil)
	boom := errors.New("boom")
	if _, err := Fetch(context.Background(), s, "k", func(context.Context) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	value, err := Fetch(context.Background(), s, "k", func(context.Context) (string, error) { return "ok", nil })
	if err != nil || value != "ok" {
		t.Fatalf("expected fresh load, got %q %v", value, err)
	}
}

func TestFetchDisabledWithZeroTTL(t *testing.T) {
	s := NewSnapshot(nil, "test", 0, nil)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	_, _ = Fetch(context.Background(), s, "k", load)
	_, _ = Fetch(context.Background(), s, "k", load)
	if calls != 2 {
		t.Fatalf("expected caching disabled, got %d loads", calls)
	}
}

func TestNamespace(t *testing.T) {
	if got := Namespace("genai-governor", "models"); got != "genai-governor:models" {
		t.Fatalf("unexpected namespace %q", got)
	}
	if got := Namespace("app:", " ", ":configs"); got != "app:configs" {
		t.Fatalf("expected empty and colon-wrapped parts trimmed, got %q", got)
	}
}
