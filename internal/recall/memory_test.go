package recall

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Retrieve(ctx, "task:missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	value := map[string]string{"id": "t-1", "status": "pending"}
	if err := store.Store(ctx, TaskKey("t-1"), value, Metadata{"agent": "task-manager"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	rec, err := store.Retrieve(ctx, "task:t-1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	var got map[string]string
	if err := rec.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "pending" || rec.Metadata["agent"] != "task-manager" {
		t.Fatalf("unexpected record %+v", rec)
	}

	rec.Data[0] = 'x'
	again, _ := store.Retrieve(ctx, "task:t-1")
	if !json.Valid(again.Data) {
		t.Fatalf("retrieved data must be a copy")
	}
}

func TestMemoryRejectsInvalid(t *testing.T) {
	store := NewMemory()
	if err := store.Store(context.Background(), "", "v", nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := store.Store(context.Background(), "k", json.RawMessage("{bad"), nil); err == nil {
		t.Fatalf("expected error for invalid raw json")
	}
}

func TestMemoryCoT(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	key := ThoughtKey(time.UnixMilli(1700000000000))
	if key != "thought:1700000000000" {
		t.Fatalf("unexpected key %s", key)
	}
	thoughts := []string{"read the task", "query balances"}
	if err := store.StoreCoT(ctx, key, thoughts, IntelligenceMeta("observer", time.UnixMilli(1))); err != nil {
		t.Fatalf("store cot: %v", err)
	}
	thoughts[0] = "mutated"
	cot, err := store.RetrieveCoT(ctx, key)
	if err != nil {
		t.Fatalf("retrieve cot: %v", err)
	}
	if len(cot.Thoughts) != 2 || cot.Thoughts[0] != "read the task" {
		t.Fatalf("unexpected thoughts %v", cot.Thoughts)
	}
	if cot.Metadata["type"] != "intelligence" {
		t.Fatalf("unexpected metadata %v", cot.Metadata)
	}
	if _, err := store.RetrieveCoT(ctx, "thought:0"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemorySearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	_ = store.Store(ctx, ObservationKey("a"), "swap usdc to weth, usdc balance low", Metadata{"agent": "observer"})
	_ = store.Store(ctx, ObservationKey("b"), "usdc price steady", Metadata{"agent": "observer"})
	_ = store.Store(ctx, ExecutionKey("c"), "usdc transfer done", Metadata{"agent": "executor"})

	results, err := store.Search(ctx, "usdc", SearchOptions{Limit: 5, Filter: map[string]any{"agent": "observer"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Key != "observation:a" {
		t.Fatalf("expected highest score first, got %s", results[0].Key)
	}

	limited, _ := store.Search(ctx, "", SearchOptions{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
	none, _ := store.Search(ctx, "ethereum", SearchOptions{})
	if len(none) != 0 {
		t.Fatalf("expected no results, got %d", len(none))
	}
}
