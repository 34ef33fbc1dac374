package health

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/container"
	"github.com/mensfeld/coi-netpolicy/internal/network"
)

// CheckTimeout bounds each check that talks to the host
const CheckTimeout = 15 * time.Second

// RunAllChecks runs every diagnostic relevant to cfg. containerID may be empty,
// in which case the backend check inspects the default profile's network.
func RunAllChecks(ctx context.Context, cfg *config.Config, containerID string) HealthResult {
	checks := []HealthCheck{
		CheckIncus(ctx),
		CheckPermissions(cfg.Incus.Group),
		CheckConfiguration(cfg),
		CheckPolicy(cfg),
	}

	policy := network.PolicyConfigFromNetwork(&cfg.Network)
	if policy.Mode != config.NetworkModeOpen {
		checks = append(checks, CheckBackend(ctx, cfg.Network.Backend, policy.Mode, containerID, nil))
		if cfg.Network.Backend == config.NetworkBackendFirewalld {
			checks = append(checks, CheckIPForwarding(), CheckPasswordlessSudo(ctx), CheckFirewalldJournal(time.Hour))
		}
	}
	if policy.Mode == config.NetworkModeAllowlist {
		checks = append(checks, CheckDNS(ctx, network.NewResolver(policy.DNSServer), policy.AllowedDomains))
	}

	checks = append(checks, CheckStorageDirectory(cfg.Paths.StorageDir))
	if cfg.Network.Logging.Enabled {
		checks = append(checks, CheckAuditLog(cfg.Network.Logging.Path))
	}
	return Summarize(checks)
}

// CheckIncus verifies that Incus is available and running
func CheckIncus(ctx context.Context) HealthCheck {
	if _, err := exec.LookPath("incus"); err != nil {
		return HealthCheck{
			Name:    "incus",
			Status:  StatusFailed,
			Message: "Incus binary not found",
		}
	}

	if !container.Available() {
		return HealthCheck{
			Name:    "incus",
			Status:  StatusFailed,
			Message: "Incus daemon not running or not accessible",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	versionOutput, err := container.IncusOutputContext(ctx, "version")
	if err != nil {
		return HealthCheck{
			Name:    "incus",
			Status:  StatusOK,
			Message: "Running (version unknown)",
		}
	}

	version := parseServerVersion(versionOutput)
	return HealthCheck{
		Name:    "incus",
		Status:  StatusOK,
		Message: fmt.Sprintf("Running (version %s)", version),
		Details: map[string]interface{}{
			"version": version,
		},
	}
}

// parseServerVersion extracts the server version from `incus version`.
// Example output: "Client version: 6.20\nServer version: 6.20"
func parseServerVersion(output string) string {
	version := strings.TrimSpace(output)
	for _, line := range strings.Split(version, "\n") {
		if strings.HasPrefix(line, "Server version:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Server version:"))
		}
	}
	return version
}

// CheckPermissions verifies user has correct group membership
func CheckPermissions(group string) HealthCheck {
	if runtime.GOOS == "darwin" {
		return HealthCheck{
			Name:    "permissions",
			Status:  StatusOK,
			Message: "macOS - no group required",
		}
	}
	if group == "" {
		group = "incus-admin"
	}

	currentUser, err := user.Current()
	if err != nil {
		return HealthCheck{
			Name:    "permissions",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not determine current user: %v", err),
		}
	}
	if currentUser.Uid == "0" {
		return HealthCheck{
			Name:    "permissions",
			Status:  StatusOK,
			Message: "Running as root",
		}
	}

	groups, err := currentUser.GroupIds()
	if err != nil {
		return HealthCheck{
			Name:    "permissions",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not determine user groups: %v", err),
		}
	}

	incusGroup, err := user.LookupGroup(group)
	if err != nil {
		return HealthCheck{
			Name:    "permissions",
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s group not found", group),
		}
	}

	for _, gid := range groups {
		if gid == incusGroup.Gid {
			return HealthCheck{
				Name:    "permissions",
				Status:  StatusOK,
				Message: fmt.Sprintf("User in %s group", group),
				Details: map[string]interface{}{
					"user":  currentUser.Username,
					"group": group,
				},
			}
		}
	}

	return HealthCheck{
		Name:    "permissions",
		Status:  StatusFailed,
		Message: fmt.Sprintf("User '%s' not in %s group", currentUser.Username, group),
	}
}

// CheckConfiguration reports where the configuration was loaded from
func CheckConfiguration(cfg *config.Config) HealthCheck {
	if cfg == nil {
		return HealthCheck{
			Name:    "config",
			Status:  StatusFailed,
			Message: "Configuration not loaded",
		}
	}

	var loadedFrom []string
	for _, path := range config.GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			loadedFrom = append(loadedFrom, path)
		}
	}

	message := "Defaults only (no config files)"
	if len(loadedFrom) > 0 {
		message = loadedFrom[len(loadedFrom)-1] // Show highest priority
	}

	if err := cfg.Validate(); err != nil {
		return HealthCheck{
			Name:    "config",
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s: %v", message, err),
			Details: map[string]interface{}{
				"loaded_from": loadedFrom,
			},
		}
	}

	return HealthCheck{
		Name:    "config",
		Status:  StatusOK,
		Message: message,
		Details: map[string]interface{}{
			"loaded_from": loadedFrom,
		},
	}
}

// CheckPolicy reports the configured network policy and whether it is usable
func CheckPolicy(cfg *config.Config) HealthCheck {
	policy := network.PolicyConfigFromNetwork(&cfg.Network)
	if policy.Mode == "" {
		policy.Mode = config.NetworkModeRestricted
	}
	details := map[string]interface{}{
		"mode":    string(policy.Mode),
		"backend": string(cfg.Network.Backend),
	}

	if err := policy.Validate(); err != nil {
		return HealthCheck{
			Name:    "network_policy",
			Status:  StatusFailed,
			Message: err.Error(),
			Details: details,
		}
	}

	message := string(policy.Mode)
	switch policy.Mode {
	case config.NetworkModeAllowlist:
		details["domains"] = len(policy.AllowedDomains)
		details["refresh_interval"] = policy.RefreshInterval.String()
		message = fmt.Sprintf("allowlist (%d entries, refresh every %s)", len(policy.AllowedDomains), policy.RefreshInterval)
		if policy.RefreshInterval <= 0 {
			message = fmt.Sprintf("allowlist (%d entries, refresh disabled)", len(policy.AllowedDomains))
		}
	case config.NetworkModeOpen:
		message = "open (no isolation)"
	}
	if policy.AllowLocalNetworkAccess {
		details["allow_local_network_access"] = true
	}

	return HealthCheck{
		Name:    "network_policy",
		Status:  StatusOK,
		Message: message,
		Details: details,
	}
}

// CheckBackend verifies the enforcement backend can serve the mode. A nil
// backend is built from kind for containerID.
func CheckBackend(ctx context.Context, kind config.NetworkBackend, mode config.NetworkMode, containerID string, backend network.Backend) HealthCheck {
	if backend == nil {
		b, err := network.NewBackend(kind, containerID)
		if err != nil {
			return HealthCheck{
				Name:    "network_backend",
				Status:  StatusFailed,
				Message: err.Error(),
			}
		}
		backend = b
	}

	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	capability, err := backend.DetectCapability(ctx)
	if err != nil {
		return HealthCheck{
			Name:    "network_backend",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not check %s backend: %v", backend.Name(), err),
		}
	}
	if !capability.Supported {
		return HealthCheck{
			Name:    "network_backend",
			Status:  StatusFailed,
			Message: (&network.CapabilityError{Backend: backend.Name(), Mode: mode, Reason: capability.Reason}).Error(),
			Details: map[string]interface{}{
				"backend": backend.Name(),
			},
		}
	}

	return HealthCheck{
		Name:    "network_backend",
		Status:  StatusOK,
		Message: fmt.Sprintf("%s (%s mode available)", backend.Name(), mode),
		Details: map[string]interface{}{
			"backend": backend.Name(),
		},
	}
}

// CheckDNS resolves the first allowlisted domain name to confirm the
// configured resolver answers
func CheckDNS(ctx context.Context, r *network.Resolver, domains []string) HealthCheck {
	testDomain := "api.anthropic.com"
	for _, d := range domains {
		if _, err := netip.ParseAddr(d); err != nil {
			testDomain = d
			break
		}
	}

	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	ips, err := r.Resolve(ctx, testDomain)
	if err != nil {
		return HealthCheck{
			Name:    "dns_resolution",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Failed to resolve %s: %v", testDomain, err),
		}
	}

	return HealthCheck{
		Name:    "dns_resolution",
		Status:  StatusOK,
		Message: fmt.Sprintf("Working (%s -> %d IPs)", testDomain, len(ips)),
		Details: map[string]interface{}{
			"test_domain": testDomain,
			"ip_count":    len(ips),
		},
	}
}

// CheckIPForwarding verifies IP forwarding is enabled
func CheckIPForwarding() HealthCheck {
	if runtime.GOOS == "darwin" {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusOK,
			Message: "macOS - managed by Incus",
		}
	}

	content, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward")
	if err != nil {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Could not check: %v", err),
		}
	}

	if strings.TrimSpace(string(content)) == "1" {
		return HealthCheck{
			Name:    "ip_forwarding",
			Status:  StatusOK,
			Message: "Enabled",
		}
	}

	return HealthCheck{
		Name:    "ip_forwarding",
		Status:  StatusWarning,
		Message: "Disabled (forwarded container traffic will not reach the FORWARD rules)",
	}
}

// CheckPasswordlessSudo verifies firewall-cmd can be run without a prompt
func CheckPasswordlessSudo(ctx context.Context) HealthCheck {
	if os.Geteuid() == 0 {
		return HealthCheck{
			Name:    "passwordless_sudo",
			Status:  StatusOK,
			Message: "Running as root",
		}
	}

	if _, err := exec.LookPath("firewall-cmd"); err != nil {
		return HealthCheck{
			Name:    "passwordless_sudo",
			Status:  StatusFailed,
			Message: "firewall-cmd not installed",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, network.FirewallCmdTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "sudo", "-n", "firewall-cmd", "--state").Run(); err != nil {
		return HealthCheck{
			Name:    "passwordless_sudo",
			Status:  StatusWarning,
			Message: "Passwordless sudo not configured for firewall-cmd",
		}
	}

	return HealthCheck{
		Name:    "passwordless_sudo",
		Status:  StatusOK,
		Message: "Configured for firewall-cmd",
	}
}

// CheckStorageDirectory verifies the cache directory exists and is writable
func CheckStorageDirectory(dir string) HealthCheck {
	return checkWritableDir("storage_directory", dir)
}

// CheckAuditLog verifies the audit log's directory is writable
func CheckAuditLog(path string) HealthCheck {
	if path == "" {
		return HealthCheck{
			Name:    "audit_log",
			Status:  StatusWarning,
			Message: "Audit logging enabled but no path configured",
		}
	}
	check := checkWritableDir("audit_log", filepath.Dir(path))
	if check.Status == StatusOK {
		check.Message = path
	}
	return check
}

func checkWritableDir(name, dir string) HealthCheck {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return HealthCheck{
			Name:    name,
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s does not exist (will be created on first run)", dir),
		}
	}
	if err != nil {
		return HealthCheck{
			Name:    name,
			Status:  StatusFailed,
			Message: fmt.Sprintf("Could not access %s: %v", dir, err),
		}
	}
	if !info.IsDir() {
		return HealthCheck{
			Name:    name,
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s is not a directory", dir),
		}
	}

	f, err := os.CreateTemp(dir, ".health-check-*")
	if err != nil {
		return HealthCheck{
			Name:    name,
			Status:  StatusFailed,
			Message: fmt.Sprintf("%s is not writable", dir),
		}
	}
	f.Close()
	os.Remove(f.Name())

	return HealthCheck{
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s (writable)", dir),
		Details: map[string]interface{}{
			"path": dir,
		},
	}
}
