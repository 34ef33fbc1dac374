package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ManagerFactory builds the manager for a newly created container
type ManagerFactory func(containerID string, cfg PolicyConfig) (*Manager, error)

// Registry maps container IDs to their policy managers. Container lifecycle
// code calls OnCreate and OnDelete; the registry never decides on its own
// when a container comes or goes.
type Registry struct {
	factory ManagerFactory

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// registryEntry holds a manager once provisioning finished. ready is closed
// when OnCreate returns, whether it succeeded or not.
type registryEntry struct {
	m     *Manager
	ready chan struct{}
}

// NewRegistry creates an empty registry
func NewRegistry(factory ManagerFactory) *Registry {
	return &Registry{
		factory: factory,
		entries: make(map[string]*registryEntry),
	}
}

// OnCreate provisions policy for a new container. An error means the
// container must not be started; nothing is registered in that case.
func (r *Registry) OnCreate(ctx context.Context, containerID string, cfg PolicyConfig) error {
	r.mu.Lock()
	if _, exists := r.entries[containerID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("network policy for %s already exists", containerID)
	}
	// Reserve the slot so concurrent creates fail fast and deletes wait
	e := &registryEntry{ready: make(chan struct{})}
	r.entries[containerID] = e
	r.mu.Unlock()

	m, err := r.factory(containerID, cfg)
	if err == nil {
		err = m.Provision(ctx)
	}

	r.mu.Lock()
	if err != nil {
		delete(r.entries, containerID)
	} else {
		e.m = m
	}
	close(e.ready)
	r.mu.Unlock()
	return err
}

// OnDelete tears down the container's policy and forgets it. A delete that
// arrives while OnCreate is still provisioning waits for it, so rules are
// never left behind. The manager is removed even when teardown fails; the
// returned *TeardownError tells the caller leftovers may exist. Unknown
// containers are a no-op.
func (r *Registry) OnDelete(ctx context.Context, containerID string) error {
	r.mu.Lock()
	e, ok := r.entries[containerID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return fmt.Errorf("waiting for network policy of %s to be provisioned: %w", containerID, ctx.Err())
	}

	r.mu.Lock()
	// A failed create removed the entry; a concurrent delete may have taken it
	owned := r.entries[containerID] == e && e.m != nil
	if owned {
		delete(r.entries, containerID)
	}
	r.mu.Unlock()

	if !owned {
		return nil
	}
	return e.m.Teardown(ctx)
}

// Get returns the manager for a container
func (r *Registry) Get(containerID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[containerID]
	if !ok || e.m == nil {
		return nil, false
	}
	return e.m, true
}

// Containers lists registered container IDs in sorted order
func (r *Registry) Containers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.m != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every registered container, returning the first error
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, id := range r.Containers() {
		if err := r.OnDelete(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
