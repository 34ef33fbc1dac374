package network

import (
	"errors"
	"fmt"

	"github.com/mensfeld/coi-netpolicy/internal/config"
)

// ErrACLNotSupported is wrapped by CapabilityError so callers can use errors.Is
var ErrACLNotSupported = errors.New("network ACLs not supported")

// CapabilityError means the backend cannot express the requested mode.
// It is raised before anything is applied and is never retried.
type CapabilityError struct {
	Backend string
	Mode    config.NetworkMode
	Reason  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s mode requires network ACL support, but the %s backend cannot provide it: %s\n\n"+
		"To fix this, either:\n"+
		"  1. Attach the container to an OVN network (incus network create <name> --type=ovn) or use backend = \"firewalld\"\n"+
		"  2. Run with unrestricted network access: --network=open",
		e.Mode, e.Backend, e.Reason)
}

func (e *CapabilityError) Unwrap() error {
	return ErrACLNotSupported
}

// ResolutionError is a failed lookup for one allowlist entry. It is
// recovered locally by keeping the entry's last-known-good IPs.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ApplyError means the backend rejected or failed to apply a rule set
type ApplyError struct {
	Backend     string
	ContainerID string
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply network policy for %s via %s: %v", e.ContainerID, e.Backend, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// TeardownError means rules for a container may have been left behind
type TeardownError struct {
	Backend     string
	ContainerID string
	Err         error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to remove network policy for %s via %s (run 'coi-net clean' to remove leftovers): %v",
		e.ContainerID, e.Backend, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}
