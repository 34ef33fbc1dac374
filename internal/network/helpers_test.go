package network

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/mensfeld/coi-netpolicy/internal/monitor"
)

var testGateway = netip.MustParseAddr("10.47.62.1")

// netipComparers lets cmp compare netip values, which have unexported fields
var netipComparers = cmp.Options{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
}

// memBackend is an in-memory Backend that records every call
type memBackend struct {
	mu          sync.Mutex
	supported   bool
	reason      string
	applyErr    error
	teardownErr error
	rules       map[string][]ACLRule
	calls       []string
	applies     int
	teardowns   int
}

func newMemBackend() *memBackend {
	return &memBackend{supported: true, rules: make(map[string][]ACLRule)}
}

func (b *memBackend) Name() string { return "memory" }

func (b *memBackend) DetectCapability(ctx context.Context) (Capability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "detect")
	return Capability{Supported: b.supported, Reason: b.reason}, nil
}

func (b *memBackend) Apply(ctx context.Context, containerID string, rules []ACLRule) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "apply "+containerID)
	if b.applyErr != nil {
		return "", b.applyErr
	}
	b.applies++
	b.rules[containerID] = append([]ACLRule(nil), rules...)
	return "mem-" + containerID, nil
}

func (b *memBackend) Teardown(ctx context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "teardown "+containerID)
	if b.teardownErr != nil {
		return b.teardownErr
	}
	b.teardowns++
	delete(b.rules, containerID)
	return nil
}

func (b *memBackend) snapshot() (rules map[string][]ACLRule, calls []string, applies, teardowns int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rules = make(map[string][]ACLRule, len(b.rules))
	for k, v := range b.rules {
		rules[k] = append([]ACLRule(nil), v...)
	}
	return rules, append([]string(nil), b.calls...), b.applies, b.teardowns
}

func (b *memBackend) setApplyErr(err error) {
	b.mu.Lock()
	b.applyErr = err
	b.mu.Unlock()
}

// fakeTicker is driven manually by tests
type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time, 1)}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

// fakeLookup serves answers from a mutable table and counts calls
type fakeLookup struct {
	mu      sync.Mutex
	answers map[string][]string
	fail    map[string]bool
	calls   atomic.Int32
}

func newFakeLookup(answers map[string][]string) *fakeLookup {
	if answers == nil {
		answers = map[string][]string{}
	}
	return &fakeLookup{answers: answers, fail: map[string]bool{}}
}

func (f *fakeLookup) lookup(ctx context.Context, name, server string) ([]netip.Addr, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[name] {
		return nil, fmt.Errorf("SERVFAIL")
	}
	raw, ok := f.answers[name]
	if !ok {
		return nil, fmt.Errorf("NXDOMAIN")
	}
	ips := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		ips = append(ips, netip.MustParseAddr(s))
	}
	return ips, nil
}

func (f *fakeLookup) set(name string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[name] = ips
	delete(f.fail, name)
}

func (f *fakeLookup) setFail(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = true
}

// memAuditor collects audit events
type memAuditor struct {
	mu     sync.Mutex
	events []monitor.PolicyEvent
}

func (a *memAuditor) Log(event monitor.PolicyEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAuditor) kinds() []monitor.EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	kinds := make([]monitor.EventKind, 0, len(a.events))
	for _, e := range a.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.NewWithOptions(testWriter{t}, log.Options{Level: log.DebugLevel})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func staticGateway(ctx context.Context, containerID string) (netip.Addr, error) {
	return testGateway, nil
}

// newTestManager wires a Manager to in-memory collaborators
func newTestManager(t *testing.T, cfg PolicyConfig, backend Backend, lookup *fakeLookup, ticker *fakeTicker) (*Manager, *memAuditor) {
	t.Helper()
	audit := &memAuditor{}
	opts := ManagerOptions{
		Backend:  backend,
		Resolver: NewResolver("", WithLookupFunc(lookup.lookup)),
		Cache:    NewCacheStore(t.TempDir()),
		Gateway:  staticGateway,
		Logger:   testLogger(t),
		Audit:    audit,
	}
	if ticker != nil {
		opts.NewTicker = func(time.Duration) Ticker { return ticker }
	}
	m := NewManager("coi-test-1", cfg, opts)
	// Stop the refresh goroutine before the test's logger goes away
	t.Cleanup(func() { _ = m.Teardown(context.Background()) })
	return m, audit
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
