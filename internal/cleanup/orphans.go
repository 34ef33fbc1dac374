package cleanup

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mensfeld/coi-netpolicy/internal/container"
	"github.com/mensfeld/coi-netpolicy/internal/network"
)

// OrphanedResources holds policy artifacts whose container is gone
type OrphanedResources struct {
	ACLs          []string     // coi-net-* ACLs for containers that no longer exist
	FirewallRules []netip.Addr // Direct rule sources that match no running container
}

// Empty reports whether nothing was found
func (o *OrphanedResources) Empty() bool {
	return len(o.ACLs) == 0 && len(o.FirewallRules) == 0
}

// Host is the view of Incus and firewalld the detector works against
type Host struct {
	ListContainers  func(ctx context.Context) ([]string, error)
	ContainerIPs    func(ctx context.Context) (map[string]netip.Addr, error)
	ListACLs        func(ctx context.Context) ([]string, error)
	DeleteACL       func(ctx context.Context, name string) error
	FirewallSources func(ctx context.Context) ([]netip.Addr, error)
	RemoveRules     func(ctx context.Context, ip netip.Addr) error
}

// SystemHost talks to the real incus and firewall-cmd binaries
func SystemHost() Host {
	return Host{
		ListContainers:  container.ListContainerNames,
		ContainerIPs:    container.ListContainerIPs,
		ListACLs:        network.ListPolicyACLs,
		DeleteACL:       network.DeletePolicyACL,
		FirewallSources: network.FirewalldRuleSources,
		RemoveRules: func(ctx context.Context, ip netip.Addr) error {
			return network.RemoveFirewalldRules(ctx, nil, ip)
		},
	}
}

// DetectOrphanedACLs finds policy ACLs whose container no longer exists
func DetectOrphanedACLs(ctx context.Context, h Host) ([]string, error) {
	acls, err := h.ListACLs(ctx)
	if err != nil {
		return nil, err
	}
	if len(acls) == 0 {
		return nil, nil
	}

	names, err := h.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var orphaned []string
	for _, acl := range acls {
		if !slices.Contains(names, strings.TrimPrefix(acl, network.ACLPrefix)) {
			orphaned = append(orphaned, acl)
		}
	}
	return orphaned, nil
}

// DetectOrphanedFirewallRules finds managed direct rules whose source address
// does not belong to any running container
func DetectOrphanedFirewallRules(ctx context.Context, h Host) ([]netip.Addr, error) {
	sources, err := h.FirewallSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	ips, err := h.ContainerIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container IPs: %w", err)
	}
	live := make(map[netip.Addr]bool, len(ips))
	for _, ip := range ips {
		live[ip] = true
	}

	var orphaned []netip.Addr
	for _, src := range sources {
		if !live[src] {
			orphaned = append(orphaned, src)
		}
	}
	return orphaned, nil
}

// DetectAll detects all orphaned resources. A missing firewalld is not fatal.
func DetectAll(ctx context.Context, h Host, logger *log.Logger) (*OrphanedResources, error) {
	if logger == nil {
		logger = log.Default()
	}
	result := &OrphanedResources{}

	acls, err := DetectOrphanedACLs(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to detect orphaned ACLs: %w", err)
	}
	result.ACLs = acls

	rules, err := DetectOrphanedFirewallRules(ctx, h)
	if err != nil {
		logger.Warn("Could not check firewalld rules", "err", err)
	}
	result.FirewallRules = rules

	return result, nil
}

// CleanupAll removes what DetectAll reported and returns how much was removed.
// Every resource is attempted; failures are joined.
func CleanupAll(ctx context.Context, h Host, orphans *OrphanedResources, logger *log.Logger) (aclsCleaned, rulesCleaned int, err error) {
	if logger == nil {
		logger = log.Default()
	}

	var errs []error
	for _, acl := range orphans.ACLs {
		logger.Info("Removing orphaned ACL", "acl", acl)
		if err := h.DeleteACL(ctx, acl); err != nil {
			logger.Warn("Failed to remove ACL", "acl", acl, "err", err)
			errs = append(errs, err)
			continue
		}
		aclsCleaned++
	}

	for _, ip := range orphans.FirewallRules {
		logger.Info("Removing orphaned firewall rules", "source", ip)
		if err := h.RemoveRules(ctx, ip); err != nil {
			logger.Warn("Failed to remove firewall rules", "source", ip, "err", err)
			errs = append(errs, err)
			continue
		}
		rulesCleaned++
	}

	return aclsCleaned, rulesCleaned, errors.Join(errs...)
}
