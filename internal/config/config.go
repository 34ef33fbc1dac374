package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete configuration
type Config struct {
	Paths   PathsConfig   `toml:"paths"`
	Incus   IncusConfig   `toml:"incus"`
	Network NetworkConfig `toml:"network"`
}

// PathsConfig contains path settings
type PathsConfig struct {
	StorageDir string `toml:"storage_dir"`
	LogsDir    string `toml:"logs_dir"`
}

// IncusConfig contains Incus-specific settings
type IncusConfig struct {
	Project string `toml:"project"`
	Group   string `toml:"group"`
}

// NetworkMode represents the network isolation mode
type NetworkMode string

const (
	// NetworkModeRestricted blocks local/internal networks, allows internet
	NetworkModeRestricted NetworkMode = "restricted"
	// NetworkModeOpen allows all network access
	NetworkModeOpen NetworkMode = "open"
	// NetworkModeAllowlist allows only specific domains (with RFC1918 always blocked)
	NetworkModeAllowlist NetworkMode = "allowlist"
)

// ParseNetworkMode converts a user-supplied string into a NetworkMode.
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch mode := NetworkMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case NetworkModeOpen, NetworkModeRestricted, NetworkModeAllowlist:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown network mode %q (expected open, restricted or allowlist)", s)
	}
}

// NetworkBackend selects the enforcement layer for restricted and allowlist modes
type NetworkBackend string

const (
	// NetworkBackendOVN programs Incus network ACLs (requires an OVN network)
	NetworkBackendOVN NetworkBackend = "ovn"
	// NetworkBackendFirewalld programs firewalld direct rules (bridge networks)
	NetworkBackendFirewalld NetworkBackend = "firewalld"
)

// ParseNetworkBackend converts a user-supplied string into a NetworkBackend.
func ParseNetworkBackend(s string) (NetworkBackend, error) {
	switch backend := NetworkBackend(strings.ToLower(strings.TrimSpace(s))); backend {
	case NetworkBackendOVN, NetworkBackendFirewalld:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown network backend %q (expected ovn or firewalld)", s)
	}
}

// NetworkConfig contains network isolation settings
type NetworkConfig struct {
	Mode                   NetworkMode    `toml:"mode"`
	Backend                NetworkBackend `toml:"backend"`
	AllowedDomains         []string       `toml:"allowed_domains"`
	RefreshIntervalMinutes int            `toml:"refresh_interval_minutes"`
	// DNSServer is queried directly when resolving allowed domains, bypassing
	// the host resolver. Empty uses the system resolver.
	DNSServer string `toml:"dns_server"`
	// Allow return traffic from the entire local network (not just the gateway)
	AllowLocalNetworkAccess bool                 `toml:"allow_local_network_access"`
	Logging                 NetworkLoggingConfig `toml:"logging"`
}

// RefreshInterval returns the allowlist refresh interval as a duration
func (n NetworkConfig) RefreshInterval() time.Duration {
	return time.Duration(n.RefreshIntervalMinutes) * time.Minute
}

// NetworkLoggingConfig contains policy audit logging settings
type NetworkLoggingConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// GetDefaultConfig returns the default configuration
func GetDefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp" // Fallback if home dir cannot be determined
	}
	baseDir := filepath.Join(homeDir, ".coi")

	return &Config{
		Paths: PathsConfig{
			StorageDir: filepath.Join(baseDir, "storage"),
			LogsDir:    filepath.Join(baseDir, "logs"),
		},
		Incus: IncusConfig{
			Project: "default",
			Group:   "incus-admin",
		},
		Network: NetworkConfig{
			Mode:    NetworkModeRestricted,
			Backend: NetworkBackendOVN,
			AllowedDomains: []string{
				// Gateway IP is auto-detected and added automatically
				"8.8.8.8",             // Google DNS (REQUIRED for DNS resolution)
				"1.1.1.1",             // Cloudflare DNS (REQUIRED for DNS resolution)
				"registry.npmjs.org",  // npm package registry
				"npm.pkg.github.com",  // GitHub packages
				"api.anthropic.com",   // Claude API
				"platform.claude.com", // Claude Platform (OAuth, Console)
			},
			RefreshIntervalMinutes: 30,
			Logging: NetworkLoggingConfig{
				Enabled: true,
				Path:    filepath.Join(baseDir, "logs", "network.log"),
			},
		},
	}
}

// GetConfigPaths returns the list of config file paths to check (in order)
// If COI_CONFIG environment variable is set, it is added as highest priority
func GetConfigPaths() []string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	paths := []string{
		"/etc/coi/config.toml",                            // System config
		filepath.Join(homeDir, ".config/coi/config.toml"), // User config
		filepath.Join(workDir, ".coi.toml"),               // Project config
	}

	if envConfig := os.Getenv("COI_CONFIG"); envConfig != "" {
		paths = append(paths, envConfig)
	}

	return paths
}

// ExpandPath expands ~ in paths to home directory
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return homeDir
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Merge merges another config into this one (other takes precedence).
// md tells which keys were present in the file the other config was decoded
// from, so booleans that were left out do not reset ours.
func (c *Config) Merge(other *Config, md toml.MetaData) {
	if other.Paths.StorageDir != "" {
		c.Paths.StorageDir = ExpandPath(other.Paths.StorageDir)
	}
	if other.Paths.LogsDir != "" {
		c.Paths.LogsDir = ExpandPath(other.Paths.LogsDir)
	}

	if other.Incus.Project != "" {
		c.Incus.Project = other.Incus.Project
	}
	if other.Incus.Group != "" {
		c.Incus.Group = other.Incus.Group
	}

	if other.Network.Mode != "" {
		c.Network.Mode = other.Network.Mode
	}
	if other.Network.Backend != "" {
		c.Network.Backend = other.Network.Backend
	}

	// Allowed domains are replaced entirely if set
	if len(other.Network.AllowedDomains) > 0 {
		c.Network.AllowedDomains = other.Network.AllowedDomains
	}
	if md.IsDefined("network", "refresh_interval_minutes") {
		c.Network.RefreshIntervalMinutes = other.Network.RefreshIntervalMinutes
	}
	if other.Network.DNSServer != "" {
		c.Network.DNSServer = other.Network.DNSServer
	}
	if md.IsDefined("network", "allow_local_network_access") {
		c.Network.AllowLocalNetworkAccess = other.Network.AllowLocalNetworkAccess
	}

	if other.Network.Logging.Path != "" {
		c.Network.Logging.Path = ExpandPath(other.Network.Logging.Path)
	}
	if md.IsDefined("network", "logging", "enabled") {
		c.Network.Logging.Enabled = other.Network.Logging.Enabled
	}
}

// Validate checks the enum-like fields after all sources are merged
func (c *Config) Validate() error {
	mode, err := ParseNetworkMode(string(c.Network.Mode))
	if err != nil {
		return err
	}
	c.Network.Mode = mode

	backend, err := ParseNetworkBackend(string(c.Network.Backend))
	if err != nil {
		return err
	}
	c.Network.Backend = backend

	if c.Network.Mode == NetworkModeAllowlist && len(c.Network.AllowedDomains) == 0 {
		return fmt.Errorf("allowlist mode requires at least one allowed domain")
	}
	return nil
}
