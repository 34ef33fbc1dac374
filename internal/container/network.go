package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// ErrNoAddress is returned when an instance has no global IPv4 address,
// including when it does not exist
var ErrNoAddress = errors.New("no IPv4 address")

// NetworkInfo is the subset of `incus network show` output we care about
type NetworkInfo struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Managed bool              `yaml:"managed"`
	Config  map[string]string `yaml:"config"`
}

// GatewayIP returns the IPv4 gateway address of the network (ipv4.address without mask)
func (n *NetworkInfo) GatewayIP() (netip.Addr, error) {
	raw := strings.TrimSpace(n.Config["ipv4.address"])
	if raw == "" || raw == "none" {
		return netip.Addr{}, fmt.Errorf("network %s has no ipv4.address", n.Name)
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		addr, addrErr := netip.ParseAddr(raw)
		if addrErr != nil {
			return netip.Addr{}, fmt.Errorf("invalid ipv4.address %q on network %s: %w", raw, n.Name, err)
		}
		return addr, nil
	}
	if !prefix.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("ipv4.address %q on network %s is not IPv4", raw, n.Name)
	}
	return prefix.Addr(), nil
}

// instanceConfig is the subset of `incus config show --expanded` we parse
type instanceConfig struct {
	Devices map[string]map[string]string `yaml:"devices"`
}

// profileConfig is the subset of `incus profile show` we parse
type profileConfig struct {
	Devices map[string]map[string]string `yaml:"devices"`
}

// ShowNetwork returns parsed `incus network show <name>` output
func ShowNetwork(ctx context.Context, networkName string) (*NetworkInfo, error) {
	output, err := IncusOutputWithStderrContext(ctx, "network", "show", networkName)
	if err != nil {
		return nil, fmt.Errorf("failed to get network info for %s: %w", networkName, err)
	}
	return ParseNetworkInfo(output)
}

// ParseNetworkInfo parses the YAML produced by `incus network show`
func ParseNetworkInfo(output string) (*NetworkInfo, error) {
	var info NetworkInfo
	if err := yaml.Unmarshal([]byte(output), &info); err != nil {
		return nil, fmt.Errorf("failed to parse network info: %w", err)
	}
	return &info, nil
}

// ContainerNetworkName returns the managed network the container's eth0 NIC
// is attached to. When containerName is empty, or the container does not
// exist yet, the default profile is consulted instead.
func ContainerNetworkName(ctx context.Context, containerName string) (string, error) {
	if containerName != "" {
		output, err := IncusOutputWithStderrContext(ctx, "config", "show", containerName, "--expanded")
		if err == nil {
			var inst instanceConfig
			if err := yaml.Unmarshal([]byte(output), &inst); err != nil {
				return "", fmt.Errorf("failed to parse config of %s: %w", containerName, err)
			}
			if name := nicNetwork(inst.Devices); name != "" {
				return name, nil
			}
		} else if !IsNotFound(err) {
			return "", fmt.Errorf("failed to get config of %s: %w", containerName, err)
		}
		log.Debug("falling back to default profile for network", "container", containerName)
	}

	output, err := IncusOutputWithStderrContext(ctx, "profile", "show", "default")
	if err != nil {
		return "", fmt.Errorf("failed to get default profile: %w", err)
	}
	var prof profileConfig
	if err := yaml.Unmarshal([]byte(output), &prof); err != nil {
		return "", fmt.Errorf("failed to parse default profile: %w", err)
	}
	if name := nicNetwork(prof.Devices); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("could not determine network name from default profile")
}

// nicNetwork picks eth0's network, or the first nic with a network key
func nicNetwork(devices map[string]map[string]string) string {
	if dev, ok := devices["eth0"]; ok && dev["type"] == "nic" && dev["network"] != "" {
		return dev["network"]
	}
	for _, dev := range devices {
		if dev["type"] == "nic" && dev["network"] != "" {
			return dev["network"]
		}
	}
	return ""
}

// GetContainerIP retrieves the global IPv4 address of a container from Incus
func GetContainerIP(ctx context.Context, containerName string) (netip.Addr, error) {
	output, err := IncusOutputContext(ctx, "list", containerName, "--format", "json")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get container info: %w", err)
	}
	return parseContainerIP(output, containerName)
}

func parseContainerIP(output, containerName string) (netip.Addr, error) {
	ips, err := parseContainerIPs(output)
	if err != nil {
		return netip.Addr{}, err
	}
	if ip, ok := ips[containerName]; ok {
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("container %s: %w", containerName, ErrNoAddress)
}

// ListContainerIPs returns the global IPv4 address of every instance that has one
func ListContainerIPs(ctx context.Context) (map[string]netip.Addr, error) {
	output, err := IncusOutputContext(ctx, "list", "--format=json")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return parseContainerIPs(output)
}

func parseContainerIPs(output string) (map[string]netip.Addr, error) {
	var containers []struct {
		Name  string `json:"name"`
		State struct {
			Network map[string]struct {
				Addresses []struct {
					Family  string `json:"family"`
					Address string `json:"address"`
					Scope   string `json:"scope"`
				} `json:"addresses"`
			} `json:"network"`
		} `json:"state"`
	}

	if err := json.Unmarshal([]byte(output), &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container info: %w", err)
	}

	ips := make(map[string]netip.Addr)
	for _, c := range containers {
		// Check eth0 first, then any other interface
		interfaces := []string{"eth0"}
		for iface := range c.State.Network {
			if iface != "eth0" && iface != "lo" {
				interfaces = append(interfaces, iface)
			}
		}

	ifaces:
		for _, iface := range interfaces {
			netInfo, ok := c.State.Network[iface]
			if !ok {
				continue
			}
			for _, addr := range netInfo.Addresses {
				if addr.Family != "inet" || addr.Scope != "global" {
					continue
				}
				if ip, err := netip.ParseAddr(addr.Address); err == nil {
					ips[c.Name] = ip
					break ifaces
				}
			}
		}
	}
	return ips, nil
}

// ListContainerNames lists all instance names in the configured project
func ListContainerNames(ctx context.Context) ([]string, error) {
	output, err := IncusOutputContext(ctx, "list", "--format=json")
	if err != nil {
		return nil, err
	}

	var containers []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(output), &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container list: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Name)
	}
	return names, nil
}
