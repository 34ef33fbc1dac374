package health

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/network"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
		exitCode int
	}{
		{name: "empty", want: StatusOK},
		{name: "all ok", statuses: []Status{StatusOK, StatusOK}, want: StatusOK},
		{name: "warning", statuses: []Status{StatusOK, StatusWarning}, want: StatusWarning, exitCode: 1},
		{name: "failed wins", statuses: []Status{StatusFailed, StatusWarning, StatusOK}, want: StatusFailed, exitCode: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var checks []HealthCheck
			for i, s := range tt.statuses {
				checks = append(checks, HealthCheck{Name: string(rune('a' + i)), Status: s})
			}
			got := Summarize(checks)
			if got.Status != tt.want {
				t.Errorf("Status = %s, want %s", got.Status, tt.want)
			}
			if got.ExitCode() != tt.exitCode {
				t.Errorf("ExitCode() = %d, want %d", got.ExitCode(), tt.exitCode)
			}
		})
	}
}

func TestParseServerVersion(t *testing.T) {
	if got := parseServerVersion("Client version: 6.20\nServer version: 6.19\n"); got != "6.19" {
		t.Errorf("parseServerVersion = %q, want 6.19", got)
	}
	if got := parseServerVersion("6.20"); got != "6.20" {
		t.Errorf("parseServerVersion = %q, want 6.20", got)
	}
}

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name    string
		network config.NetworkConfig
		status  Status
		message string
	}{
		{
			name:    "restricted",
			network: config.NetworkConfig{Mode: config.NetworkModeRestricted},
			status:  StatusOK,
			message: "restricted",
		},
		{
			name:    "open",
			network: config.NetworkConfig{Mode: config.NetworkModeOpen},
			status:  StatusOK,
			message: "open",
		},
		{
			name: "allowlist",
			network: config.NetworkConfig{
				Mode:                   config.NetworkModeAllowlist,
				AllowedDomains:         []string{"api.anthropic.com", "8.8.8.8"},
				RefreshIntervalMinutes: 30,
			},
			status:  StatusOK,
			message: "2 entries, refresh every 30m0s",
		},
		{
			name:    "allowlist without refresh",
			network: config.NetworkConfig{Mode: config.NetworkModeAllowlist, AllowedDomains: []string{"8.8.8.8"}},
			status:  StatusOK,
			message: "refresh disabled",
		},
		{
			name:    "empty allowlist",
			network: config.NetworkConfig{Mode: config.NetworkModeAllowlist},
			status:  StatusFailed,
			message: "at least one allowed domain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckPolicy(&config.Config{Network: tt.network})
			if got.Status != tt.status {
				t.Errorf("Status = %s, want %s (%s)", got.Status, tt.status, got.Message)
			}
			if !strings.Contains(got.Message, tt.message) {
				t.Errorf("Message = %q, want it to contain %q", got.Message, tt.message)
			}
		})
	}
}

type stubBackend struct {
	capability network.Capability
	err        error
}

func (b stubBackend) Name() string { return "ovn" }

func (b stubBackend) DetectCapability(ctx context.Context) (network.Capability, error) {
	return b.capability, b.err
}

func (b stubBackend) Apply(ctx context.Context, containerID string, rules []network.ACLRule) (string, error) {
	return "", errors.New("not used")
}

func (b stubBackend) Teardown(ctx context.Context, containerID string) error { return nil }

func TestCheckBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend stubBackend
		status  Status
		message string
	}{
		{
			name:    "supported",
			backend: stubBackend{capability: network.Capability{Supported: true}},
			status:  StatusOK,
			message: "ovn",
		},
		{
			name:    "bridge network",
			backend: stubBackend{capability: network.Capability{Reason: `network "incusbr0" is of type "bridge"`}},
			status:  StatusFailed,
			message: "--network=open",
		},
		{
			name:    "probe error",
			backend: stubBackend{err: errors.New("incus unreachable")},
			status:  StatusWarning,
			message: "incus unreachable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckBackend(context.Background(), config.NetworkBackendOVN, config.NetworkModeRestricted, "", tt.backend)
			if got.Status != tt.status {
				t.Errorf("Status = %s, want %s (%s)", got.Status, tt.status, got.Message)
			}
			if !strings.Contains(got.Message, tt.message) {
				t.Errorf("Message = %q, want it to contain %q", got.Message, tt.message)
			}
		})
	}

	if got := CheckBackend(context.Background(), "iptables", config.NetworkModeRestricted, "", nil); got.Status != StatusFailed {
		t.Errorf("Expected unknown backend kind to fail, got %+v", got)
	}
}

func TestCheckDNS(t *testing.T) {
	var asked string
	r := network.NewResolver("", network.WithLookupFunc(func(ctx context.Context, name, server string) ([]netip.Addr, error) {
		asked = name
		if name == "broken.example" {
			return nil, errors.New("SERVFAIL")
		}
		return []netip.Addr{netip.MustParseAddr("104.16.0.35")}, nil
	}))

	got := CheckDNS(context.Background(), r, []string{"8.8.8.8", "registry.npmjs.org"})
	if got.Status != StatusOK || asked != "registry.npmjs.org" {
		t.Errorf("Expected first domain name to be resolved, asked %q: %+v", asked, got)
	}

	got = CheckDNS(context.Background(), r, []string{"broken.example"})
	if got.Status != StatusWarning {
		t.Errorf("Expected warning for a failing lookup, got %+v", got)
	}
}

func TestCheckWritableDir(t *testing.T) {
	dir := t.TempDir()
	if got := CheckStorageDirectory(dir); got.Status != StatusOK {
		t.Errorf("Expected writable dir to pass, got %+v", got)
	}

	if got := CheckStorageDirectory(filepath.Join(dir, "missing")); got.Status != StatusWarning {
		t.Errorf("Expected missing dir to warn, got %+v", got)
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := CheckStorageDirectory(file); got.Status != StatusFailed {
		t.Errorf("Expected regular file to fail, got %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected probe file to be removed, found %d entries", len(entries))
	}
}

func TestCheckAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.log")
	if got := CheckAuditLog(path); got.Status != StatusOK || got.Message != path {
		t.Errorf("Expected audit log check to pass, got %+v", got)
	}
	if got := CheckAuditLog(""); got.Status != StatusWarning {
		t.Errorf("Expected empty path to warn, got %+v", got)
	}
}

func TestSummarizeJournal(t *testing.T) {
	if got := summarizeJournal(nil, time.Hour); got.Status != StatusOK {
		t.Errorf("Expected no messages to be ok, got %+v", got)
	}

	var messages []string
	for i := 0; i < 8; i++ {
		messages = append(messages, "COMMAND_FAILED: '/usr/sbin/iptables-restore -w -n' failed")
	}
	messages = append(messages, "INVALID_RULE: bad address")

	got := summarizeJournal(messages, time.Hour)
	if got.Status != StatusWarning {
		t.Errorf("Status = %s, want warning", got.Status)
	}
	if !strings.Contains(got.Message, "9 firewalld errors") || !strings.Contains(got.Message, "INVALID_RULE") {
		t.Errorf("Unexpected message %q", got.Message)
	}
	if recent := got.Details["recent"].([]string); len(recent) != maxJournalMessages {
		t.Errorf("Expected %d recent messages, got %d", maxJournalMessages, len(recent))
	}
}
