package network

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/container"
	"github.com/mensfeld/coi-netpolicy/internal/monitor"
)

// State is the lifecycle state of a container's policy
type State int

const (
	StateUninitialized State = iota
	StateProvisioning
	StateActive
	StateRefreshing
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProvisioning:
		return "provisioning"
	case StateActive:
		return "active"
	case StateRefreshing:
		return "refreshing"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// errNothingResolved is returned when no allowlist entry has any address
var errNothingResolved = errors.New("none of the allowed domains resolved to an address")

// Ticker is the part of time.Ticker the refresh task uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

// Auditor records policy events
type Auditor interface {
	Log(event monitor.PolicyEvent) error
}

// ManagerOptions carries the collaborators of a Manager. Zero values get
// production defaults.
type ManagerOptions struct {
	Backend  Backend
	Resolver *Resolver
	// Cache persists resolutions across processes; nil disables it
	Cache *CacheStore
	// Gateway returns the gateway address of the container's network
	Gateway func(ctx context.Context, containerID string) (netip.Addr, error)
	Logger  *log.Logger
	Audit   Auditor
	// NewTicker creates the refresh ticker
	NewTicker func(d time.Duration) Ticker
}

// Manager owns the network policy of one container from creation to
// deletion. Provision and Teardown are driven by lifecycle hooks; for
// allowlist policies a background task re-resolves and re-applies rules.
type Manager struct {
	containerID string
	cfg         PolicyConfig

	backend   Backend
	resolver  *Resolver
	cache     *CacheStore
	gateway   func(ctx context.Context, containerID string) (netip.Addr, error)
	logger    *log.Logger
	audit     Auditor
	newTicker func(d time.Duration) Ticker

	// cycleMu serializes provisioning, refresh cycles and teardown
	cycleMu sync.Mutex

	mu        sync.Mutex
	state     State
	applied   *AppliedPolicy
	resolved  map[string]ResolvedEntry
	gatewayIP netip.Addr
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a manager for one container
func NewManager(containerID string, cfg PolicyConfig, opts ManagerOptions) *Manager {
	m := &Manager{
		containerID: containerID,
		cfg:         cfg,
		backend:     opts.Backend,
		resolver:    opts.Resolver,
		cache:       opts.Cache,
		gateway:     opts.Gateway,
		logger:      opts.Logger,
		audit:       opts.Audit,
		newTicker:   opts.NewTicker,
		resolved:    make(map[string]ResolvedEntry),
	}
	if m.resolver == nil {
		m.resolver = NewResolver(cfg.DNSServer)
	}
	if m.gateway == nil {
		m.gateway = NetworkGateway
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	m.logger = m.logger.With("component", "network", "container", containerID)
	if m.newTicker == nil {
		m.newTicker = newTimeTicker
	}
	return m
}

// NetworkGateway returns the IPv4 gateway of the network the container is attached to
func NetworkGateway(ctx context.Context, containerID string) (netip.Addr, error) {
	name, err := container.ContainerNetworkName(ctx, containerID)
	if err != nil {
		return netip.Addr{}, err
	}
	info, err := container.ShowNetwork(ctx, name)
	if err != nil {
		return netip.Addr{}, err
	}
	return info.GatewayIP()
}

// ContainerID returns the container this manager belongs to
func (m *Manager) ContainerID() string {
	return m.containerID
}

// Mode returns the (immutable) network mode
func (m *Manager) Mode() config.NetworkMode {
	return m.cfg.Mode
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Applied returns a copy of the policy currently in force, if any
func (m *Manager) Applied() (AppliedPolicy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		return AppliedPolicy{}, false
	}
	p := *m.applied
	p.Rules = slices.Clone(p.Rules)
	return p, true
}

// Resolved returns a copy of the latest allowlist resolutions
func (m *Manager) Resolved() map[string]ResolvedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.resolved)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) backendName() string {
	if m.backend == nil {
		return ""
	}
	return m.backend.Name()
}

// Provision computes and applies the initial policy. On failure the manager
// ends up torn down and the typed error is returned so the caller can abort
// container creation.
func (m *Manager) Provision(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("network policy for %s cannot be provisioned in state %s", m.containerID, state)
	}
	m.state = StateProvisioning
	m.mu.Unlock()

	m.logger.Info("provisioning network policy", "mode", m.cfg.Mode, "backend", m.backendName())

	if err := m.provision(ctx); err != nil {
		// Failures before Apply leave whatever an earlier apply installed in
		// place; only a failed Apply can leave a partial rule set behind
		var applyErr *ApplyError
		if m.backend != nil && errors.As(err, &applyErr) {
			if tdErr := m.backend.Teardown(context.WithoutCancel(ctx), m.containerID); tdErr != nil {
				m.logger.Warn("cleanup after failed provisioning failed", "err", tdErr)
			}
		}
		m.setState(StateTornDown)
		m.logger.Error("network policy provisioning failed", "err", err)
		m.record(monitor.PolicyEvent{Kind: monitor.EventProvisionFailed, Error: err.Error()})
		return err
	}

	m.mu.Lock()
	m.state = StateActive
	rules := 0
	if m.applied != nil {
		rules = len(m.applied.Rules)
	}
	m.mu.Unlock()

	m.logger.Info("network policy active", "rules", rules)
	m.record(monitor.PolicyEvent{Kind: monitor.EventProvisioned, Rules: rules, Handle: m.handle()})

	if m.cfg.refreshes() {
		m.startRefresh()
	}
	return nil
}

func (m *Manager) provision(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	if !m.cfg.needsACL() {
		m.mu.Lock()
		m.applied = &AppliedPolicy{ContainerID: m.containerID, Mode: m.cfg.Mode, AppliedAt: time.Now()}
		m.mu.Unlock()
		return nil
	}

	if m.backend == nil {
		return errors.New("no network backend configured")
	}

	capability, err := m.backend.DetectCapability(ctx)
	if err != nil {
		return fmt.Errorf("failed to detect %s capability: %w", m.backend.Name(), err)
	}
	if !capability.Supported {
		return &CapabilityError{Backend: m.backend.Name(), Mode: m.cfg.Mode, Reason: capability.Reason}
	}

	gw, err := m.gateway(ctx, m.containerID)
	if err != nil {
		return fmt.Errorf("failed to determine gateway for %s: %w", m.containerID, err)
	}
	m.logger.Debug("gateway detected", "gateway", gw)

	resolved := map[string]ResolvedEntry{}
	if m.cfg.Mode == config.NetworkModeAllowlist {
		resolved, err = m.resolveAllowlist(ctx, m.loadCache())
		if err != nil {
			return err
		}
	}

	intent, err := ResolveIntent(m.cfg, gw, resolved)
	if err != nil {
		return err
	}
	rules := Compile(intent)

	handle, err := m.backend.Apply(ctx, m.containerID, rules)
	if err != nil {
		return &ApplyError{Backend: m.backend.Name(), ContainerID: m.containerID, Err: err}
	}

	m.mu.Lock()
	m.gatewayIP = gw
	m.resolved = resolved
	m.applied = &AppliedPolicy{
		ContainerID:   m.containerID,
		BackendHandle: handle,
		Rules:         rules,
		Mode:          m.cfg.Mode,
		AppliedAt:     time.Now(),
	}
	m.mu.Unlock()

	m.saveCache(resolved)
	return nil
}

// resolveAllowlist resolves the allowlist, logging and auditing per-entry
// failures. It fails only when no entry has any address at all.
func (m *Manager) resolveAllowlist(ctx context.Context, previous map[string]ResolvedEntry) (map[string]ResolvedEntry, error) {
	resolved, err := m.resolver.ResolveAll(ctx, m.cfg.AllowedDomains, previous)
	if err != nil {
		var failed []string
		for _, e := range unwrapJoined(err) {
			var resErr *ResolutionError
			if errors.As(e, &resErr) {
				failed = append(failed, resErr.Name)
				m.logger.Warn("domain resolution failed", "domain", resErr.Name, "err", resErr.Err)
			}
		}
		m.record(monitor.PolicyEvent{Kind: monitor.EventResolveFailed, Domains: failed, Error: err.Error()})
	}

	total := 0
	for _, e := range resolved {
		total += len(e.IPs)
	}
	if total == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errNothingResolved, err)
		}
		return nil, errNothingResolved
	}

	m.logger.Debug("allowlist resolved", "domains", len(resolved), "ips", total)
	return resolved, nil
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// RefreshNow runs one refresh cycle, waiting for an in-flight one to finish
func (m *Manager) RefreshNow(ctx context.Context) error {
	return m.refresh(ctx, true)
}

// refresh re-resolves the allowlist and re-applies rules when they changed.
// Without wait, a cycle already in flight makes this call a no-op.
func (m *Manager) refresh(ctx context.Context, wait bool) error {
	if wait {
		m.cycleMu.Lock()
	} else if !m.cycleMu.TryLock() {
		m.logger.Debug("refresh already in flight, skipping tick")
		return nil
	}
	defer m.cycleMu.Unlock()

	m.mu.Lock()
	if m.state != StateActive || m.cfg.Mode != config.NetworkModeAllowlist {
		m.mu.Unlock()
		return nil
	}
	m.state = StateRefreshing
	previous := maps.Clone(m.resolved)
	gw := m.gatewayIP
	var oldRules []ACLRule
	if m.applied != nil {
		oldRules = m.applied.Rules
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.state == StateRefreshing {
			m.state = StateActive
		}
		m.mu.Unlock()
	}()

	cycleID := uuid.NewString()
	logger := m.logger.With("cycle", cycleID)

	resolved, err := m.resolveAllowlist(ctx, previous)
	if err != nil {
		// Keep the last-known-good rules rather than emptying the policy
		logger.Error("refresh resolved nothing, keeping current rules", "err", err)
		m.record(monitor.PolicyEvent{Kind: monitor.EventRefreshSkipped, CycleID: cycleID, Rules: len(oldRules), Error: err.Error()})
		return err
	}

	intent, err := ResolveIntent(m.cfg, gw, resolved)
	if err != nil {
		return err
	}
	rules := Compile(intent)

	if RulesEqual(oldRules, rules) {
		logger.Debug("allowlist unchanged")
		m.mu.Lock()
		m.resolved = resolved
		m.mu.Unlock()
		m.saveCache(resolved)
		return nil
	}

	plan := PlanTransition(oldRules, rules)
	added, removed := 0, 0
	for _, op := range plan {
		if op.Kind == OpAdd {
			added++
		} else {
			removed++
		}
	}

	handle, err := m.backend.Apply(ctx, m.containerID, rules)
	if err != nil {
		applyErr := &ApplyError{Backend: m.backend.Name(), ContainerID: m.containerID, Err: err}
		logger.Error("refresh apply failed, previous rules stay in force", "err", err)
		m.record(monitor.PolicyEvent{Kind: monitor.EventRefreshFailed, CycleID: cycleID, Rules: len(oldRules), Error: applyErr.Error()})
		return applyErr
	}

	m.mu.Lock()
	m.resolved = resolved
	m.applied = &AppliedPolicy{
		ContainerID:   m.containerID,
		BackendHandle: handle,
		Rules:         rules,
		Mode:          m.cfg.Mode,
		AppliedAt:     time.Now(),
	}
	m.mu.Unlock()
	m.saveCache(resolved)

	logger.Info("allowlist refreshed", "added", added, "removed", removed, "rules", len(rules))
	m.record(monitor.PolicyEvent{
		Kind:    monitor.EventRefreshed,
		CycleID: cycleID,
		Handle:  handle,
		Rules:   len(rules),
		Added:   added,
		Removed: removed,
	})
	return nil
}

// startRefresh launches the refresh task; it runs until Teardown cancels it
func (m *Manager) startRefresh() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.logger.Debug("starting allowlist refresh", "interval", m.cfg.RefreshInterval)
	go m.refreshLoop(ctx, done)
}

func (m *Manager) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := m.newTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.refresh(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.Warn("allowlist refresh failed", "err", err)
			}
		}
	}
}

// Teardown stops the refresh task, waits for an in-flight cycle and removes
// the container's rules from the backend. It is safe to call more than once
// and after a failed Provision.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	alreadyDown := m.state == StateTornDown && m.applied == nil
	m.state = StateTornDown
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if alreadyDown || !m.cfg.needsACL() || m.backend == nil {
		m.mu.Lock()
		m.applied = nil
		m.mu.Unlock()
		return nil
	}

	if err := m.backend.Teardown(ctx, m.containerID); err != nil {
		tdErr := &TeardownError{Backend: m.backend.Name(), ContainerID: m.containerID, Err: err}
		m.logger.Error("network policy teardown failed", "err", err)
		m.record(monitor.PolicyEvent{Kind: monitor.EventTeardownFailed, Error: tdErr.Error()})
		return tdErr
	}

	m.mu.Lock()
	m.applied = nil
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.Remove(m.containerID); err != nil {
			m.logger.Warn("failed to remove IP cache", "err", err)
		}
	}

	m.logger.Info("network policy removed")
	m.record(monitor.PolicyEvent{Kind: monitor.EventTornDown})
	return nil
}

func (m *Manager) handle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		return ""
	}
	return m.applied.BackendHandle
}

func (m *Manager) loadCache() map[string]ResolvedEntry {
	if m.cache == nil {
		return nil
	}
	cached, err := m.cache.Load(m.containerID)
	if err != nil {
		m.logger.Warn("ignoring unreadable IP cache", "err", err)
		return nil
	}
	return cached.Entries
}

func (m *Manager) saveCache(resolved map[string]ResolvedEntry) {
	if m.cache == nil || len(resolved) == 0 {
		return
	}
	err := m.cache.Save(&IPCache{Container: m.containerID, Entries: resolved, LastUpdate: time.Now()})
	if err != nil {
		m.logger.Warn("failed to save IP cache", "err", err)
	}
}

func (m *Manager) record(event monitor.PolicyEvent) {
	if m.audit == nil {
		return
	}
	event.ContainerID = m.containerID
	event.Mode = string(m.cfg.Mode)
	if event.Backend == "" {
		event.Backend = m.backendName()
	}
	if err := m.audit.Log(event); err != nil {
		m.logger.Warn("failed to write audit event", "err", err)
	}
}
