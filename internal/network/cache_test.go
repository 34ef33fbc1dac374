package network

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCacheStoreRoundTrip(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "network-cache"))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cache := &IPCache{
		Container: "coi-abc-1",
		Entries: map[string]ResolvedEntry{
			"registry.npmjs.org": {
				Name:           "registry.npmjs.org",
				IPs:            []netip.Addr{netip.MustParseAddr("104.16.0.35")},
				LastResolvedAt: now,
				LastKnownGood:  true,
			},
		},
		LastUpdate: now,
	}
	if err := store.Save(cache); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load("coi-abc-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(cache, loaded, netipComparers); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}

	// Saving again replaces the file
	cache.Entries = map[string]ResolvedEntry{}
	if err := store.Save(cache); err != nil {
		t.Fatal(err)
	}
	loaded, err = store.Load("coi-abc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Entries) != 0 {
		t.Errorf("Expected replaced cache to be empty, got %v", loaded.Entries)
	}
}

func TestCacheStoreMissing(t *testing.T) {
	store := NewCacheStore(t.TempDir())

	cache, err := store.Load("coi-none-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cache.Container != "coi-none-1" || len(cache.Entries) != 0 {
		t.Errorf("Expected empty cache, got %+v", cache)
	}

	if err := store.Remove("coi-none-1"); err != nil {
		t.Errorf("Remove of a missing cache failed: %v", err)
	}
}

func TestCacheStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewCacheStore(dir)
	if err := os.WriteFile(store.Path("coi-abc-1"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("coi-abc-1"); err == nil {
		t.Error("Expected error for a corrupt cache")
	}
}

func TestCacheStoreRequiresContainer(t *testing.T) {
	store := NewCacheStore(t.TempDir())
	if err := store.Save(&IPCache{}); err == nil {
		t.Error("Expected error saving a cache without a container")
	}
}
