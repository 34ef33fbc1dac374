package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// IPCache is the persisted resolution state of one container's allowlist.
// It lets a restarted process keep using last-known-good IPs.
type IPCache struct {
	Container  string                   `json:"container"`
	Entries    map[string]ResolvedEntry `json:"entries"`
	LastUpdate time.Time                `json:"last_update"`
}

// CacheStore keeps one IPCache file per container under dir
type CacheStore struct {
	dir string
}

// NewCacheStore creates a store rooted at dir (typically <storage_dir>/network-cache)
func NewCacheStore(dir string) *CacheStore {
	return &CacheStore{dir: dir}
}

// Path returns the cache file path for a container
func (s *CacheStore) Path(containerID string) string {
	return filepath.Join(s.dir, containerID+".json")
}

// Load reads the cache for a container. A missing file yields an empty cache.
func (s *CacheStore) Load(containerID string) (*IPCache, error) {
	cache := &IPCache{
		Container: containerID,
		Entries:   make(map[string]ResolvedEntry),
	}

	data, err := os.ReadFile(s.Path(containerID))
	if errors.Is(err, fs.ErrNotExist) {
		return cache, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read IP cache: %w", err)
	}

	if err := json.Unmarshal(data, cache); err != nil {
		return nil, fmt.Errorf("failed to parse IP cache %s: %w", s.Path(containerID), err)
	}
	if cache.Entries == nil {
		cache.Entries = make(map[string]ResolvedEntry)
	}
	return cache, nil
}

// Save atomically replaces the cache file for cache.Container
func (s *CacheStore) Save(cache *IPCache) error {
	if cache.Container == "" {
		return errors.New("IP cache has no container")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal IP cache: %w", err)
	}

	f, err := renameio.TempFile(s.dir, s.Path(cache.Container))
	if err != nil {
		return fmt.Errorf("failed to create IP cache: %w", err)
	}
	defer f.Cleanup()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write IP cache: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace IP cache: %w", err)
	}
	return nil
}

// Remove deletes the cache file for a container; a missing file is not an error
func (s *CacheStore) Remove(containerID string) error {
	err := os.Remove(s.Path(containerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove IP cache: %w", err)
	}
	return nil
}
