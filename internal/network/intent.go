package network

import (
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/mensfeld/coi-netpolicy/internal/config"
)

// Action is what a rule does with matching traffic
type Action string

const (
	ActionAllow  Action = "allow"
	ActionReject Action = "reject"
)

// Direction is the traffic direction a rule applies to, seen from the container
type Direction string

const (
	DirectionEgress  Direction = "egress"
	DirectionIngress Direction = "ingress"
)

var (
	// PrivateRanges are the RFC1918 ranges
	PrivateRanges = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}

	// MetadataRange is the link-local range holding cloud metadata endpoints
	MetadataRange = netip.MustParsePrefix("169.254.0.0/16")

	// AnyIPv4 matches every IPv4 destination
	AnyIPv4 = netip.MustParsePrefix("0.0.0.0/0")
)

// NormalizedIntent is the mode-independent form of a policy. Every prefix
// list is sorted and merged.
type NormalizedIntent struct {
	Mode          config.NetworkMode
	DefaultAction Action
	// Allow holds destinations allowed by the mode (allowlist members)
	Allow []netip.Prefix
	// Deny holds always-denied destinations; it never covers the gateway
	Deny []netip.Prefix
	// Exceptions holds always-allowed destinations (the gateway)
	Exceptions []netip.Prefix
	// IngressSources may initiate traffic towards the container
	IngressSources []netip.Prefix
}

// alwaysDenySet returns RFC1918 plus the metadata range
func alwaysDenySet() (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range PrivateRanges {
		b.AddPrefix(p)
	}
	b.AddPrefix(MetadataRange)
	return b.IPSet()
}

// ResolveIntent turns a policy config plus resolved allowlist entries into a
// NormalizedIntent. gateway is the container network's gateway address and
// is required for every mode except open.
func ResolveIntent(cfg PolicyConfig, gateway netip.Addr, resolved map[string]ResolvedEntry) (NormalizedIntent, error) {
	intent := NormalizedIntent{Mode: cfg.Mode, DefaultAction: ActionAllow}

	switch cfg.Mode {
	case config.NetworkModeOpen:
		return intent, nil
	case config.NetworkModeRestricted, config.NetworkModeAllowlist:
	default:
		return NormalizedIntent{}, fmt.Errorf("invalid network mode %q", cfg.Mode)
	}

	if !gateway.IsValid() || !gateway.Is4() {
		return NormalizedIntent{}, errors.New("a valid IPv4 gateway address is required")
	}

	denyAll, err := alwaysDenySet()
	if err != nil {
		return NormalizedIntent{}, err
	}

	// Deny minus the gateway, so the gateway exception always wins
	var deny netipx.IPSetBuilder
	deny.AddSet(denyAll)
	deny.Remove(gateway)
	denySet, err := deny.IPSet()
	if err != nil {
		return NormalizedIntent{}, fmt.Errorf("failed to build deny set: %w", err)
	}
	intent.Deny = denySet.Prefixes()
	intent.Exceptions = []netip.Prefix{netip.PrefixFrom(gateway, 32)}

	var ingress netipx.IPSetBuilder
	ingress.Add(gateway)
	if cfg.AllowLocalNetworkAccess {
		for _, p := range PrivateRanges {
			ingress.AddPrefix(p)
		}
	}
	ingressSet, err := ingress.IPSet()
	if err != nil {
		return NormalizedIntent{}, fmt.Errorf("failed to build ingress set: %w", err)
	}
	intent.IngressSources = ingressSet.Prefixes()

	if cfg.Mode == config.NetworkModeRestricted {
		return intent, nil
	}

	intent.DefaultAction = ActionReject

	// Allowlisted private or metadata addresses stay blocked
	var allow netipx.IPSetBuilder
	for _, name := range cfg.AllowedDomains {
		entry, ok := resolved[normalizeName(name)]
		if !ok {
			continue
		}
		for _, ip := range entry.IPs {
			allow.Add(ip)
		}
	}
	allow.RemoveSet(denyAll)
	allow.Remove(gateway)
	allowSet, err := allow.IPSet()
	if err != nil {
		return NormalizedIntent{}, fmt.Errorf("failed to build allow set: %w", err)
	}
	intent.Allow = allowSet.Prefixes()

	return intent, nil
}
