package cleanup

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
)

type fakeHost struct {
	containers []string
	ips        map[string]netip.Addr
	acls       []string
	sources    []netip.Addr
	sourceErr  error
	deleteErr  map[string]error

	deleted []string
	removed []netip.Addr
}

func (f *fakeHost) host() Host {
	return Host{
		ListContainers: func(ctx context.Context) ([]string, error) { return f.containers, nil },
		ContainerIPs:   func(ctx context.Context) (map[string]netip.Addr, error) { return f.ips, nil },
		ListACLs:       func(ctx context.Context) ([]string, error) { return f.acls, nil },
		DeleteACL: func(ctx context.Context, name string) error {
			if err := f.deleteErr[name]; err != nil {
				return err
			}
			f.deleted = append(f.deleted, name)
			return nil
		},
		FirewallSources: func(ctx context.Context) ([]netip.Addr, error) { return f.sources, f.sourceErr },
		RemoveRules: func(ctx context.Context, ip netip.Addr) error {
			f.removed = append(f.removed, ip)
			return nil
		},
	}
}

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func TestDetectAll(t *testing.T) {
	f := &fakeHost{
		containers: []string{"coi-abc-1", "coi-def-2"},
		ips: map[string]netip.Addr{
			"coi-abc-1": netip.MustParseAddr("10.47.62.50"),
		},
		acls: []string{"coi-net-coi-abc-1", "coi-net-coi-gone-3"},
		sources: []netip.Addr{
			netip.MustParseAddr("10.47.62.50"),
			netip.MustParseAddr("10.47.62.77"),
		},
	}

	orphans, err := DetectAll(context.Background(), f.host(), quietLogger())
	if err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}

	want := &OrphanedResources{
		ACLs:          []string{"coi-net-coi-gone-3"},
		FirewallRules: []netip.Addr{netip.MustParseAddr("10.47.62.77")},
	}
	if diff := cmp.Diff(want, orphans, addrComparer); diff != "" {
		t.Errorf("orphans mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectAllWithoutFirewalld(t *testing.T) {
	f := &fakeHost{
		acls:      []string{"coi-net-coi-gone-3"},
		sourceErr: errors.New("firewall-cmd: not found"),
	}

	orphans, err := DetectAll(context.Background(), f.host(), quietLogger())
	if err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}
	if len(orphans.ACLs) != 1 || len(orphans.FirewallRules) != 0 {
		t.Errorf("unexpected orphans: %+v", orphans)
	}
}

func TestDetectAllNothing(t *testing.T) {
	f := &fakeHost{containers: []string{"coi-abc-1"}, acls: []string{"coi-net-coi-abc-1"}}

	orphans, err := DetectAll(context.Background(), f.host(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !orphans.Empty() {
		t.Errorf("Expected no orphans, got %+v", orphans)
	}
}

func TestCleanupAll(t *testing.T) {
	f := &fakeHost{
		deleteErr: map[string]error{"coi-net-coi-busy-4": errors.New("in use")},
	}
	orphans := &OrphanedResources{
		ACLs:          []string{"coi-net-coi-gone-3", "coi-net-coi-busy-4"},
		FirewallRules: []netip.Addr{netip.MustParseAddr("10.47.62.77")},
	}

	acls, rules, err := CleanupAll(context.Background(), f.host(), orphans, quietLogger())
	if err == nil {
		t.Error("Expected the failed ACL deletion to be reported")
	}
	if acls != 1 || rules != 1 {
		t.Errorf("cleaned = %d ACLs, %d rules; want 1, 1", acls, rules)
	}
	if diff := cmp.Diff([]string{"coi-net-coi-gone-3"}, f.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}
