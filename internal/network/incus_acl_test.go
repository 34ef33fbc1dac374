package network

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/container"
)

// fakeIncus answers incus subcommands from a table keyed by the joined args
type fakeIncus struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
	stdin     map[string]string
}

func newFakeIncus() *fakeIncus {
	return &fakeIncus{
		responses: map[string]string{},
		failures:  map[string]error{},
		stdin:     map[string]string{},
	}
}

func (f *fakeIncus) run(ctx context.Context, stdin string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if stdin != "" {
		f.stdin[key] = stdin
	}
	if err, ok := f.failures[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func notFound(what string) error {
	return &container.ExitError{ExitCode: 1, Output: "Error: " + what + " not found"}
}

func newTestIncusBackend(f *fakeIncus, networkType string) *IncusACLBackend {
	b := NewIncusACLBackend("coi-abc-1")
	b.run = f.run
	b.networkName = func(ctx context.Context, containerName string) (string, error) {
		return "ovn-coi", nil
	}
	b.showNetwork = func(ctx context.Context, name string) (*container.NetworkInfo, error) {
		return &container.NetworkInfo{Name: name, Type: networkType, Config: map[string]string{"ipv4.address": "10.47.62.1/24"}}, nil
	}
	return b
}

func TestIncusDetectCapability(t *testing.T) {
	tests := []struct {
		networkType string
		supported   bool
	}{
		{networkType: "ovn", supported: true},
		{networkType: "bridge", supported: false},
		{networkType: "macvlan", supported: false},
	}
	for _, tt := range tests {
		t.Run(tt.networkType, func(t *testing.T) {
			b := newTestIncusBackend(newFakeIncus(), tt.networkType)
			c, err := b.DetectCapability(context.Background())
			if err != nil {
				t.Fatalf("DetectCapability failed: %v", err)
			}
			if c.Supported != tt.supported {
				t.Errorf("Supported = %v, want %v", c.Supported, tt.supported)
			}
			if !tt.supported && !strings.Contains(c.Reason, tt.networkType) {
				t.Errorf("Expected reason to name the network type, got %q", c.Reason)
			}
		})
	}
}

func TestIncusApplyCreatesAndAttaches(t *testing.T) {
	f := newFakeIncus()
	f.failures["network acl show coi-net-coi-abc-1"] = notFound("Network ACL")
	f.responses["config show coi-abc-1"] = "devices: {}\nprofiles:\n- default\n"

	b := newTestIncusBackend(f, "ovn")
	rules := compileFor(t, PolicyConfig{Mode: config.NetworkModeRestricted}, nil)

	handle, err := b.Apply(context.Background(), "coi-abc-1", rules)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if handle != "coi-net-coi-abc-1" {
		t.Errorf("handle = %q, want coi-net-coi-abc-1", handle)
	}

	want := []string{
		"network acl show coi-net-coi-abc-1",
		"network acl create coi-net-coi-abc-1",
		"network acl edit coi-net-coi-abc-1",
		"config show coi-abc-1",
		"config device override coi-abc-1 eth0",
		"config device set coi-abc-1 eth0 security.acls=coi-net-coi-abc-1 " +
			"security.acls.default.egress.action=allow security.acls.default.ingress.action=reject",
	}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Errorf("incus calls mismatch (-want +got):\n%s", diff)
	}

	var doc aclDocument
	if err := yaml.Unmarshal([]byte(f.stdin["network acl edit coi-net-coi-abc-1"]), &doc); err != nil {
		t.Fatalf("ACL document is not valid YAML: %v", err)
	}
	if doc.Name != "coi-net-coi-abc-1" {
		t.Errorf("doc name = %q", doc.Name)
	}

	var wantEgress, wantIngress int
	for _, r := range rules {
		switch {
		case r.IsDefault():
		case r.Direction == DirectionEgress:
			wantEgress++
		default:
			wantIngress++
		}
	}
	if len(doc.Egress) != wantEgress || len(doc.Ingress) != wantIngress {
		t.Errorf("doc has %d egress / %d ingress rules, want %d / %d",
			len(doc.Egress), len(doc.Ingress), wantEgress, wantIngress)
	}
	for _, r := range doc.Egress {
		if r.Destination == AnyIPv4.String() {
			t.Error("Catch-all must be a NIC default action, not an ACL rule")
		}
		if r.State != "enabled" {
			t.Errorf("Expected enabled rule, got %+v", r)
		}
	}
	if doc.Ingress[0].Source != "10.47.62.1/32" || doc.Ingress[0].Action != "allow" {
		t.Errorf("Unexpected ingress rule %+v", doc.Ingress[0])
	}
}

func TestIncusApplyExistingACL(t *testing.T) {
	f := newFakeIncus()
	f.responses["config show coi-abc-1"] = "devices:\n  eth0:\n    network: ovn-coi\n    type: nic\n"

	b := newTestIncusBackend(f, "ovn")
	rules := compileFor(t, allowlistConfig("8.8.8.8"), map[string]ResolvedEntry{
		"8.8.8.8": {Name: "8.8.8.8", IPs: []netip.Addr{netip.MustParseAddr("8.8.8.8")}},
	})

	if _, err := b.Apply(context.Background(), "coi-abc-1", rules); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, call := range f.calls {
		if strings.HasPrefix(call, "network acl create") || strings.HasPrefix(call, "config device override") {
			t.Errorf("Unexpected call %q for an existing ACL and local NIC", call)
		}
	}
	last := f.calls[len(f.calls)-1]
	if !strings.Contains(last, "security.acls.default.egress.action=reject") {
		t.Errorf("Expected default egress reject in allowlist mode, got %q", last)
	}
}

func TestIncusApplyFailure(t *testing.T) {
	f := newFakeIncus()
	f.failures["network acl edit coi-net-coi-abc-1"] = fmt.Errorf("invalid rule")

	b := newTestIncusBackend(f, "ovn")
	rules := compileFor(t, PolicyConfig{Mode: config.NetworkModeRestricted}, nil)
	if _, err := b.Apply(context.Background(), "coi-abc-1", rules); err == nil {
		t.Fatal("Expected Apply to fail")
	}
	for _, call := range f.calls {
		if strings.HasPrefix(call, "config device set") {
			t.Error("ACL must not be attached when writing it failed")
		}
	}
}

func TestIncusTeardown(t *testing.T) {
	f := newFakeIncus()
	f.responses["config show coi-abc-1"] = "devices:\n  eth0:\n    network: ovn-coi\n    security.acls: coi-net-coi-abc-1\n    type: nic\n"
	f.failures["network acl delete coi-net-coi-abc-1"] = notFound("Network ACL")

	b := newTestIncusBackend(f, "ovn")
	if err := b.Teardown(context.Background(), "coi-abc-1"); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	want := []string{
		"config show coi-abc-1",
		"config device unset coi-abc-1 eth0 security.acls",
		"config device unset coi-abc-1 eth0 security.acls.default.egress.action",
		"config device unset coi-abc-1 eth0 security.acls.default.ingress.action",
		"network acl delete coi-net-coi-abc-1",
	}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Errorf("incus calls mismatch (-want +got):\n%s", diff)
	}
}

func TestIncusTeardownMissingContainer(t *testing.T) {
	f := newFakeIncus()
	f.failures["config show coi-abc-1"] = notFound("Instance")

	b := newTestIncusBackend(f, "ovn")
	if err := b.Teardown(context.Background(), "coi-abc-1"); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	want := []string{"config show coi-abc-1", "network acl delete coi-net-coi-abc-1"}
	if diff := cmp.Diff(want, f.calls); diff != "" {
		t.Errorf("incus calls mismatch (-want +got):\n%s", diff)
	}
}

func TestIncusTeardownACLInUse(t *testing.T) {
	f := newFakeIncus()
	f.responses["config show coi-abc-1"] = "devices: {}\n"
	f.failures["network acl delete coi-net-coi-abc-1"] = &container.ExitError{ExitCode: 1, Output: "Error: Cannot delete an ACL that is in use"}

	b := newTestIncusBackend(f, "ovn")
	if err := b.Teardown(context.Background(), "coi-abc-1"); err == nil {
		t.Error("Expected error when ACL is still in use")
	}
}

func TestListPolicyACLs(t *testing.T) {
	f := newFakeIncus()
	f.responses["network acl list --format=json"] = `[{"name":"coi-net-coi-abc-1"},{"name":"web"},{"name":"coi-net-coi-def-2"}]`

	names, err := listPolicyACLs(context.Background(), f.run)
	if err != nil {
		t.Fatalf("listPolicyACLs failed: %v", err)
	}
	if diff := cmp.Diff([]string{"coi-net-coi-abc-1", "coi-net-coi-def-2"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}
