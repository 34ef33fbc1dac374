package network

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mensfeld/coi-netpolicy/internal/config"
)

// PolicyConfig is the per-container input accepted at creation time
type PolicyConfig struct {
	Mode           config.NetworkMode
	AllowedDomains []string
	// RefreshInterval only matters for allowlist mode; <= 0 disables refresh
	RefreshInterval time.Duration
	// DNSServer, when set, is queried directly instead of the host resolver
	DNSServer               string
	AllowLocalNetworkAccess bool
}

// PolicyConfigFromNetwork builds a PolicyConfig from the loaded [network] section
func PolicyConfigFromNetwork(cfg *config.NetworkConfig) PolicyConfig {
	domains := make([]string, len(cfg.AllowedDomains))
	copy(domains, cfg.AllowedDomains)

	return PolicyConfig{
		Mode:                    cfg.Mode,
		AllowedDomains:          domains,
		RefreshInterval:         cfg.RefreshInterval(),
		DNSServer:               cfg.DNSServer,
		AllowLocalNetworkAccess: cfg.AllowLocalNetworkAccess,
	}
}

// Validate checks the config before anything touches a backend
func (p PolicyConfig) Validate() error {
	if _, err := config.ParseNetworkMode(string(p.Mode)); err != nil {
		return err
	}
	if p.Mode == config.NetworkModeAllowlist && len(p.AllowedDomains) == 0 {
		return fmt.Errorf("allowlist mode requires at least one allowed domain")
	}
	for _, d := range p.AllowedDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("allowed domains must not contain empty entries")
		}
	}
	if p.DNSServer != "" {
		if _, err := netip.ParseAddr(p.DNSServer); err != nil {
			if _, err := netip.ParseAddrPort(p.DNSServer); err != nil {
				return fmt.Errorf("invalid dns_server %q: expected IP or IP:port", p.DNSServer)
			}
		}
	}
	return nil
}

// needsACL reports whether the mode requires an ACL-capable backend
func (p PolicyConfig) needsACL() bool {
	return p.Mode == config.NetworkModeRestricted || p.Mode == config.NetworkModeAllowlist
}

// refreshes reports whether a refresh task should run for this policy
func (p PolicyConfig) refreshes() bool {
	return p.Mode == config.NetworkModeAllowlist && p.RefreshInterval > 0
}
