package network

import (
	"context"
	"fmt"
	"time"

	"github.com/mensfeld/coi-netpolicy/internal/config"
)

// Capability is the result of probing a backend
type Capability struct {
	Supported bool
	Reason    string
}

// Backend materializes compiled rules for a container.
//
// Apply replaces the container's whole rule set in one logical operation and
// returns an opaque handle identifying what was created. Teardown removes
// everything the backend holds for the container and is safe to call when
// nothing was ever applied.
type Backend interface {
	Name() string
	DetectCapability(ctx context.Context) (Capability, error)
	Apply(ctx context.Context, containerID string, rules []ACLRule) (string, error)
	Teardown(ctx context.Context, containerID string) error
}

// AppliedPolicy is the rule set currently enforced for a container
type AppliedPolicy struct {
	ContainerID   string
	BackendHandle string
	Rules         []ACLRule
	Mode          config.NetworkMode
	AppliedAt     time.Time
}

// NewBackend builds the configured backend for one container. Capability and
// rule targets are per attachment, so backends are not shared.
func NewBackend(kind config.NetworkBackend, containerID string) (Backend, error) {
	switch kind {
	case config.NetworkBackendOVN, "":
		return NewIncusACLBackend(containerID), nil
	case config.NetworkBackendFirewalld:
		return NewFirewalldBackend(), nil
	default:
		return nil, fmt.Errorf("unknown network backend %q", kind)
	}
}

// splitDefaults separates catch-all rules from the targeted ones and returns
// the default action per direction (reject when no catch-all is present)
func splitDefaults(rules []ACLRule) (targeted []ACLRule, egress, ingress Action) {
	egress, ingress = ActionReject, ActionReject
	for _, r := range rules {
		if !r.IsDefault() {
			targeted = append(targeted, r)
			continue
		}
		if r.Direction == DirectionEgress {
			egress = r.Action
		} else {
			ingress = r.Action
		}
	}
	return targeted, egress, ingress
}
