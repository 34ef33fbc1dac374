package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from all available sources
// Hierarchy (lowest to highest precedence):
// 1. Built-in defaults
// 2. System config (/etc/coi/config.toml)
// 3. User config (~/.config/coi/config.toml)
// 4. Project config (./.coi.toml)
// 5. COI_CONFIG file
// 6. Environment variables (COI_*)
func Load() (*Config, error) {
	return LoadFrom(GetConfigPaths())
}

// LoadFrom is Load with an explicit list of config files
func LoadFrom(paths []string) (*Config, error) {
	cfg := GetDefaultConfig()

	for _, path := range paths {
		if err := loadConfigFile(cfg, path); err != nil {
			// Only return error if file exists but can't be parsed
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := ensureDirectories(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfigFile loads a TOML config file and merges it into cfg
func loadConfigFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	var fileCfg Config
	md, err := toml.DecodeFile(path, &fileCfg)
	if err != nil {
		return err
	}

	cfg.Merge(&fileCfg, md)
	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if env := os.Getenv("COI_NETWORK_MODE"); env != "" {
		mode, err := ParseNetworkMode(env)
		if err != nil {
			return fmt.Errorf("COI_NETWORK_MODE: %w", err)
		}
		cfg.Network.Mode = mode
	}

	if env := os.Getenv("COI_NETWORK_BACKEND"); env != "" {
		backend, err := ParseNetworkBackend(env)
		if err != nil {
			return fmt.Errorf("COI_NETWORK_BACKEND: %w", err)
		}
		cfg.Network.Backend = backend
	}

	if env := os.Getenv("COI_DNS_SERVER"); env != "" {
		cfg.Network.DNSServer = env
	}

	if env := os.Getenv("COI_REFRESH_INTERVAL_MINUTES"); env != "" {
		minutes, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("COI_REFRESH_INTERVAL_MINUTES: %w", err)
		}
		cfg.Network.RefreshIntervalMinutes = minutes
	}

	if env := os.Getenv("COI_STORAGE_DIR"); env != "" {
		cfg.Paths.StorageDir = ExpandPath(env)
	}

	return nil
}

// ensureDirectories creates necessary directories if they don't exist
func ensureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Paths.StorageDir,
		cfg.Paths.LogsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WriteExample writes an example config file to the specified path
func WriteExample(path string) error {
	example := `# coi network policy configuration
# Run "coi-net health" after editing to check the host can enforce it.

[paths]
storage_dir = "~/.coi/storage"
logs_dir = "~/.coi/logs"

[incus]
project = "default"
group = "incus-admin"

[network]
# open:       no restrictions
# restricted: block RFC1918 + cloud metadata, allow everything else (default)
# allowlist:  only allowed_domains (plus the gateway) are reachable
mode = "restricted"

# ovn:       Incus network ACLs (requires an OVN network)
# firewalld: firewalld direct rules (works on plain bridges)
backend = "ovn"

# Domains and IPs reachable in allowlist mode. Private addresses listed here
# are still blocked.
allowed_domains = [
  "8.8.8.8",
  "1.1.1.1",
  "registry.npmjs.org",
  "api.anthropic.com",
]

# Re-resolve allowed_domains this often (0 disables refresh)
refresh_interval_minutes = 30

# Resolve allowed_domains against this server instead of the host resolver
# dns_server = "1.1.1.1"

# Allow return traffic from the whole local network, not only the gateway
allow_local_network_access = false

[network.logging]
enabled = true
path = "~/.coi/logs/network.log"
`

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
