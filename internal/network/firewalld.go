package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/mensfeld/coi-netpolicy/internal/container"
)

// FirewallCmdTimeout is the maximum time to wait for a single firewall-cmd call
const FirewallCmdTimeout = 10 * time.Second

// containerIPWait bounds how long Apply waits for a fresh container to get an address
const containerIPWait = 30 * time.Second

// FirewalldBackend enforces rules as firewalld direct rules in the FORWARD
// chain, matched on the container's source address. Rules are mutated one at
// a time, so Apply walks a PlanTransition from the current set.
//
// Host-to-container traffic never traverses FORWARD, so ingress rules have no
// firewalld counterpart and are skipped.
type FirewalldBackend struct {
	run         func(ctx context.Context, args ...string) (string, error)
	containerIP func(ctx context.Context, containerID string) (netip.Addr, error)
	// lookupIP reads the current address without waiting for one to appear
	lookupIP    func(ctx context.Context, containerID string) (netip.Addr, error)
	unitActive  func(ctx context.Context) (bool, error)

	mu      sync.Mutex
	applied map[string]firewalldState
}

type firewalldState struct {
	ip    netip.Addr
	rules []ACLRule
}

// NewFirewalldBackend creates a backend driving the host's firewall-cmd
func NewFirewalldBackend() *FirewalldBackend {
	return &FirewalldBackend{
		run:         runFirewallCmd,
		containerIP: waitForContainerIP,
		lookupIP:    container.GetContainerIP,
		unitActive:  firewalldUnitActive,
		applied:     make(map[string]firewalldState),
	}
}

func (b *FirewalldBackend) Name() string {
	return "firewalld"
}

// DetectCapability checks the systemd unit and that firewall-cmd reports running
func (b *FirewalldBackend) DetectCapability(ctx context.Context) (Capability, error) {
	active, err := b.unitActive(ctx)
	if err != nil {
		return Capability{Reason: fmt.Sprintf("cannot query firewalld.service: %v", err)}, nil
	}
	if !active {
		return Capability{Reason: "firewalld.service is not active"}, nil
	}

	state, err := b.run(ctx, "--state")
	if err != nil {
		return Capability{Reason: fmt.Sprintf("firewall-cmd --state failed: %v", err)}, nil
	}
	if strings.TrimSpace(state) != "running" {
		return Capability{Reason: fmt.Sprintf("firewalld is not running (state: %s)", state)}, nil
	}
	return Capability{Supported: true}, nil
}

// Apply converges the direct rules for the container onto rules
func (b *FirewalldBackend) Apply(ctx context.Context, containerID string, rules []ACLRule) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, known := b.applied[containerID]
	if !known {
		ip, err := b.containerIP(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("failed to get container IP: %w", err)
		}
		current, err := b.listContainerRules(ctx, ip)
		if err != nil {
			return "", err
		}
		state = firewalldState{ip: ip, rules: current}
	}

	desired := egressOnly(rules)
	for _, op := range PlanTransition(state.rules, desired) {
		if err := b.mutate(ctx, op, state.ip); err != nil {
			// Record what is in place now so the next Apply starts from truth
			if current, listErr := b.listContainerRules(ctx, state.ip); listErr == nil {
				b.applied[containerID] = firewalldState{ip: state.ip, rules: current}
			}
			return "", err
		}
	}

	b.applied[containerID] = firewalldState{ip: state.ip, rules: desired}
	return state.ip.String(), nil
}

// Teardown removes every direct rule sourced from the container's address.
// A container that is gone or has no address has nothing to remove here;
// rules keyed by a released address are left to orphan cleanup.
func (b *FirewalldBackend) Teardown(ctx context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ip := b.applied[containerID].ip
	if !ip.IsValid() {
		found, err := b.lookupIP(ctx, containerID)
		if errors.Is(err, container.ErrNoAddress) || container.IsNotFound(err) {
			delete(b.applied, containerID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("cannot determine address of %s to remove its rules: %w", containerID, err)
		}
		ip = found
	}

	if err := RemoveFirewalldRules(ctx, b.run, ip); err != nil {
		return err
	}
	delete(b.applied, containerID)
	return nil
}

func (b *FirewalldBackend) mutate(ctx context.Context, op RuleOp, ip netip.Addr) error {
	flag := "--add-rule"
	if op.Kind == OpRemove {
		flag = "--remove-rule"
	}
	args := append([]string{"--direct", flag}, directRuleArgs(ip, op.Rule)...)
	if _, err := b.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to %s rule %q: %w", op.Kind, op.Rule, err)
	}
	return nil
}

func (b *FirewalldBackend) listContainerRules(ctx context.Context, ip netip.Addr) ([]ACLRule, error) {
	lines, err := listDirectRules(ctx, b.run)
	if err != nil {
		return nil, err
	}
	var rules []ACLRule
	for _, line := range lines {
		src, rule, ok := parseDirectRule(line)
		if ok && src == ip {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func egressOnly(rules []ACLRule) []ACLRule {
	var out []ACLRule
	for _, r := range rules {
		if r.Direction == DirectionEgress {
			out = append(out, r)
		}
	}
	return out
}

// directRuleArgs renders a rule as firewall-cmd direct rule arguments:
// ipv4 filter FORWARD <priority> -s <ip> -d <target> [-p <proto>] -j ACCEPT|REJECT
func directRuleArgs(ip netip.Addr, r ACLRule) []string {
	args := []string{"ipv4", "filter", "FORWARD", strconv.Itoa(r.Priority),
		"-s", ip.String(), "-d", r.Target.String()}
	if r.Protocol != "" {
		args = append(args, "-p", r.Protocol)
	}
	target := "ACCEPT"
	if r.Action == ActionReject {
		target = "REJECT"
	}
	return append(args, "-j", target)
}

// parseDirectRule parses one line of `firewall-cmd --direct --get-all-rules`
// written by directRuleArgs. Other rules are reported as not ok.
func parseDirectRule(line string) (netip.Addr, ACLRule, bool) {
	f := strings.Fields(line)
	if len(f) < 10 || f[0] != "ipv4" || f[1] != "filter" || f[2] != "FORWARD" {
		return netip.Addr{}, ACLRule{}, false
	}

	prio, err := strconv.Atoi(f[3])
	if err != nil {
		return netip.Addr{}, ACLRule{}, false
	}
	rule := ACLRule{Priority: prio, Direction: DirectionEgress}

	var src netip.Addr
	for i := 4; i+1 < len(f); i += 2 {
		val := f[i+1]
		switch f[i] {
		case "-s":
			if src, err = netip.ParseAddr(strings.TrimSuffix(val, "/32")); err != nil {
				return netip.Addr{}, ACLRule{}, false
			}
		case "-d":
			if !strings.Contains(val, "/") {
				val += "/32"
			}
			if rule.Target, err = netip.ParsePrefix(val); err != nil {
				return netip.Addr{}, ACLRule{}, false
			}
		case "-p":
			rule.Protocol = val
		case "-j":
			switch val {
			case "ACCEPT":
				rule.Action = ActionAllow
			case "REJECT":
				rule.Action = ActionReject
			default:
				return netip.Addr{}, ACLRule{}, false
			}
		default:
			return netip.Addr{}, ACLRule{}, false
		}
	}

	if !src.IsValid() || !rule.Target.IsValid() || rule.Action == "" {
		return netip.Addr{}, ACLRule{}, false
	}
	return src, rule, true
}

func listDirectRules(ctx context.Context, run func(context.Context, ...string) (string, error)) ([]string, error) {
	out, err := run(ctx, "--direct", "--get-all-rules")
	if err != nil {
		return nil, fmt.Errorf("failed to list firewalld direct rules: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// FirewalldRuleSources returns the source addresses of all direct rules this
// tool manages, for orphan detection
func FirewalldRuleSources(ctx context.Context) ([]netip.Addr, error) {
	lines, err := listDirectRules(ctx, runFirewallCmd)
	if err != nil {
		return nil, err
	}
	seen := make(map[netip.Addr]bool)
	var sources []netip.Addr
	for _, line := range lines {
		if src, _, ok := parseDirectRule(line); ok && !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	return sources, nil
}

// RemoveFirewalldRules removes every managed direct rule sourced from ip.
// Rules already gone are not an error.
func RemoveFirewalldRules(ctx context.Context, run func(context.Context, ...string) (string, error), ip netip.Addr) error {
	if run == nil {
		run = runFirewallCmd
	}
	lines, err := listDirectRules(ctx, run)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range lines {
		src, _, ok := parseDirectRule(line)
		if !ok || src != ip {
			continue
		}
		args := append([]string{"--direct", "--remove-rule"}, strings.Fields(line)...)
		if _, err := run(ctx, args...); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove rule %q: %w", line, err))
		}
	}
	return errors.Join(errs...)
}

// runFirewallCmd executes firewall-cmd, through sudo -n when not root
func runFirewallCmd(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, FirewallCmdTimeout)
	defer cancel()

	name := "firewall-cmd"
	if os.Geteuid() != 0 {
		args = append([]string{"-n", "firewall-cmd"}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("firewall-cmd timed out after %v", FirewallCmdTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("firewall-cmd failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// firewalldUnitActive asks systemd over D-Bus whether firewalld.service is active
func firewalldUnitActive(ctx context.Context) (bool, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, "firewalld.service", "ActiveState")
	if err != nil {
		return false, fmt.Errorf("failed to get firewalld.service state: %w", err)
	}
	state, _ := prop.Value.Value().(string)
	return state == "active", nil
}

// waitForContainerIP polls Incus until the container has a global IPv4 address
func waitForContainerIP(ctx context.Context, containerID string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, containerIPWait)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		ip, err := container.GetContainerIP(ctx, containerID)
		if err == nil {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return netip.Addr{}, fmt.Errorf("timed out waiting for an address on %s: %w", containerID, err)
		case <-ticker.C:
		}
	}
}
