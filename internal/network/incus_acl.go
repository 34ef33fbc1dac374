package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mensfeld/coi-netpolicy/internal/container"
)

// ACLPrefix prefixes the name of every ACL this tool creates
const ACLPrefix = "coi-net-"

// ACLName returns the name of the per-container ACL
func ACLName(containerID string) string {
	return ACLPrefix + containerID
}

// incusRunFunc runs an incus subcommand; stdin is fed to the process when non-empty
type incusRunFunc func(ctx context.Context, stdin string, args ...string) (string, error)

func runIncus(ctx context.Context, stdin string, args ...string) (string, error) {
	if stdin == "" {
		return container.IncusOutputWithStderrContext(ctx, args...)
	}
	return container.IncusInputContext(ctx, stdin, args...)
}

// IncusACLBackend enforces rules through an Incus network ACL attached to the
// container's eth0 NIC. Incus evaluates reject before allow regardless of
// order, so catch-all rules become the NIC's default actions instead of ACL
// entries.
type IncusACLBackend struct {
	containerID string

	run         incusRunFunc
	networkName func(ctx context.Context, containerName string) (string, error)
	showNetwork func(ctx context.Context, networkName string) (*container.NetworkInfo, error)
}

// NewIncusACLBackend creates the backend for one container
func NewIncusACLBackend(containerID string) *IncusACLBackend {
	return &IncusACLBackend{
		containerID: containerID,
		run:         runIncus,
		networkName: container.ContainerNetworkName,
		showNetwork: container.ShowNetwork,
	}
}

func (b *IncusACLBackend) Name() string {
	return "ovn"
}

// DetectCapability checks that the container's network is an OVN network.
// Bridge networks accept ACL objects but do not enforce them per NIC.
func (b *IncusACLBackend) DetectCapability(ctx context.Context) (Capability, error) {
	name, err := b.networkName(ctx, b.containerID)
	if err != nil {
		return Capability{}, fmt.Errorf("failed to determine network of %s: %w", b.containerID, err)
	}

	info, err := b.showNetwork(ctx, name)
	if err != nil {
		return Capability{}, err
	}

	if info.Type != "ovn" {
		return Capability{
			Reason: fmt.Sprintf("network %q is of type %q, per-container ACLs need an OVN network", name, info.Type),
		}, nil
	}
	return Capability{Supported: true}, nil
}

// aclRuleDoc is one rule in the YAML accepted by `incus network acl edit`
type aclRuleDoc struct {
	Action      string `yaml:"action"`
	Source      string `yaml:"source,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Protocol    string `yaml:"protocol,omitempty"`
	Description string `yaml:"description,omitempty"`
	State       string `yaml:"state"`
}

type aclDocument struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Egress      []aclRuleDoc      `yaml:"egress"`
	Ingress     []aclRuleDoc      `yaml:"ingress"`
	Config      map[string]string `yaml:"config"`
}

// buildACLDocument renders targeted rules as an ACL definition
func buildACLDocument(name, containerID string, rules []ACLRule) aclDocument {
	doc := aclDocument{
		Name:        name,
		Description: "coi network policy for " + containerID,
		Egress:      []aclRuleDoc{},
		Ingress:     []aclRuleDoc{},
		Config:      map[string]string{},
	}

	for _, r := range rules {
		entry := aclRuleDoc{
			Action:      string(r.Action),
			Protocol:    r.Protocol,
			Description: "priority " + strconv.Itoa(r.Priority),
			State:       "enabled",
		}
		if r.Direction == DirectionEgress {
			entry.Destination = r.Target.String()
			doc.Egress = append(doc.Egress, entry)
		} else {
			entry.Source = r.Target.String()
			doc.Ingress = append(doc.Ingress, entry)
		}
	}
	return doc
}

// Apply writes the full rule set into the container's ACL in one edit and
// attaches it to eth0 with the catch-all rules as default actions
func (b *IncusACLBackend) Apply(ctx context.Context, containerID string, rules []ACLRule) (string, error) {
	if len(rules) == 0 {
		return "", b.Teardown(ctx, containerID)
	}

	name := ACLName(containerID)
	targeted, egressDefault, ingressDefault := splitDefaults(rules)

	if _, err := b.run(ctx, "", "network", "acl", "show", name); err != nil {
		if !container.IsNotFound(err) {
			return "", fmt.Errorf("failed to query ACL %s: %w", name, err)
		}
		if _, err := b.run(ctx, "", "network", "acl", "create", name); err != nil {
			return "", fmt.Errorf("failed to create ACL %s: %w", name, err)
		}
	}

	data, err := yaml.Marshal(buildACLDocument(name, containerID, targeted))
	if err != nil {
		return "", fmt.Errorf("failed to render ACL %s: %w", name, err)
	}
	if _, err := b.run(ctx, string(data), "network", "acl", "edit", name); err != nil {
		return "", fmt.Errorf("failed to write ACL %s: %w", name, err)
	}

	if err := b.attach(ctx, containerID, name, egressDefault, ingressDefault); err != nil {
		return "", err
	}
	return name, nil
}

// attach overrides the profile's eth0 at container level when needed, then
// points it at the ACL
func (b *IncusACLBackend) attach(ctx context.Context, containerID, aclName string, egress, ingress Action) error {
	local, err := b.hasLocalNIC(ctx, containerID)
	if err != nil {
		return err
	}
	if !local {
		if _, err := b.run(ctx, "", "config", "device", "override", containerID, "eth0"); err != nil {
			return fmt.Errorf("failed to override eth0 device: %w", err)
		}
	}

	_, err = b.run(ctx, "", "config", "device", "set", containerID, "eth0",
		"security.acls="+aclName,
		"security.acls.default.egress.action="+string(egress),
		"security.acls.default.ingress.action="+string(ingress))
	if err != nil {
		return fmt.Errorf("failed to attach ACL %s to %s: %w", aclName, containerID, err)
	}
	return nil
}

// hasLocalNIC reports whether eth0 is defined on the instance itself rather
// than inherited from a profile
func (b *IncusACLBackend) hasLocalNIC(ctx context.Context, containerID string) (bool, error) {
	out, err := b.run(ctx, "", "config", "show", containerID)
	if err != nil {
		return false, fmt.Errorf("failed to get config of %s: %w", containerID, err)
	}

	var inst struct {
		Devices map[string]map[string]string `yaml:"devices"`
	}
	if err := yaml.Unmarshal([]byte(out), &inst); err != nil {
		return false, fmt.Errorf("failed to parse config of %s: %w", containerID, err)
	}
	_, ok := inst.Devices["eth0"]
	return ok, nil
}

// Teardown detaches and deletes the container's ACL. A missing container or
// ACL is not an error.
func (b *IncusACLBackend) Teardown(ctx context.Context, containerID string) error {
	name := ACLName(containerID)

	local, err := b.hasLocalNIC(ctx, containerID)
	if err != nil && !container.IsNotFound(err) {
		return err
	}
	if local {
		for _, key := range []string{
			"security.acls",
			"security.acls.default.egress.action",
			"security.acls.default.ingress.action",
		} {
			_, err := b.run(ctx, "", "config", "device", "unset", containerID, "eth0", key)
			if err != nil && !container.IsNotFound(err) {
				return fmt.Errorf("failed to detach ACL from %s: %w", containerID, err)
			}
		}
	}

	if _, err := b.run(ctx, "", "network", "acl", "delete", name); err != nil && !container.IsNotFound(err) {
		return fmt.Errorf("failed to delete ACL %s: %w", name, err)
	}
	return nil
}

// ListPolicyACLs returns the names of all ACLs created by this tool
func ListPolicyACLs(ctx context.Context) ([]string, error) {
	return listPolicyACLs(ctx, runIncus)
}

func listPolicyACLs(ctx context.Context, run incusRunFunc) ([]string, error) {
	out, err := run(ctx, "", "network", "acl", "list", "--format=json")
	if err != nil {
		return nil, fmt.Errorf("failed to list network ACLs: %w", err)
	}

	var acls []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &acls); err != nil {
		return nil, fmt.Errorf("failed to parse network ACL list: %w", err)
	}

	var names []string
	for _, a := range acls {
		if strings.HasPrefix(a.Name, ACLPrefix) {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// DeletePolicyACL deletes an ACL by name; a missing ACL is not an error
func DeletePolicyACL(ctx context.Context, name string) error {
	if _, err := runIncus(ctx, "", "network", "acl", "delete", name); err != nil && !container.IsNotFound(err) {
		return fmt.Errorf("failed to delete ACL %s: %w", name, err)
	}
	return nil
}
