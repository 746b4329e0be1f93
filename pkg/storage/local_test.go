package storage

import (
	"context"
	"testing"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := store.Put(ctx, "123456789012/snap_a.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "123456789012/snap_b.json", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := store.Get(ctx, "123456789012/snap_a.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected payload: %s", data)
	}

	keys, err := store.List(ctx, "123456789012")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	if keys[0] != "123456789012/snap_a.json" || keys[1] != "123456789012/snap_b.json" {
		t.Errorf("unexpected key order: %v", keys)
	}

	if err := store.Delete(ctx, "123456789012/snap_a.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "123456789012/snap_a.json"); err == nil {
		t.Error("expected Get after Delete to fail")
	}

	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "123456789012/missing.json"); err != nil {
		t.Errorf("Delete of missing key returned error: %v", err)
	}
}

func TestLocalStore_ListMissingPrefix(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	keys, err := store.List(context.Background(), "nope")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}
