package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/container"
	"github.com/mensfeld/coi-netpolicy/internal/monitor"
	"github.com/mensfeld/coi-netpolicy/internal/network"
)

var (
	applyWatch         bool
	applyWatchInterval time.Duration
)

var applyCmd = &cobra.Command{
	Use:   "apply <container>",
	Short: "Apply the network policy to a container",
	Long: `Apply the configured network policy to an existing container.

With --watch the command keeps running: allowlist entries are re-resolved on
the configured refresh interval (SIGHUP forces a refresh), and once the
container is deleted its policy is torn down. Interrupting the command leaves
the applied rules in place.

Examples:
  coi-net apply coi-abc-1
  coi-net apply coi-abc-1 --network=allowlist --allow=api.anthropic.com,8.8.8.8
  coi-net apply coi-abc-1 --watch
`,
	Args: cobra.ExactArgs(1),
	RunE: applyCommand,
}

var teardownCmd = &cobra.Command{
	Use:   "teardown <container>",
	Short: "Remove the network policy of a container",
	Long: `Remove every rule the configured backend holds for a container and forget
its cached resolutions. Safe to run when nothing was applied.

Examples:
  coi-net teardown coi-abc-1
  coi-net teardown coi-abc-1 --backend=firewalld
`,
	Args: cobra.ExactArgs(1),
	RunE: teardownCommand,
}

func init() {
	applyCmd.Flags().BoolVar(&applyWatch, "watch", false, "Keep refreshing until the container is deleted")
	applyCmd.Flags().DurationVar(&applyWatchInterval, "watch-interval", 10*time.Second, "How often --watch checks that the container still exists")
}

func applyCommand(cmd *cobra.Command, args []string) error {
	containerID := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	exists, err := container.Exists(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to check container %s: %w", containerID, err)
	}
	if !exists {
		return fmt.Errorf("container %s does not exist", containerID)
	}

	auditor, closeAudit, err := openAuditLog()
	if err != nil {
		return err
	}
	defer closeAudit()

	registry := newRegistry(auditor)
	policy := network.PolicyConfigFromNetwork(&cfg.Network)
	if err := registry.OnCreate(ctx, containerID, policy); err != nil {
		return describePolicyError(err)
	}

	m, _ := registry.Get(containerID)
	printApplied(m)

	if !applyWatch {
		return nil
	}
	return watchContainer(ctx, registry, m)
}

// watchContainer blocks until the container disappears or a signal arrives
func watchContainer(ctx context.Context, registry *network.Registry, m *network.Manager) error {
	containerID := m.ContainerID()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(applyWatchInterval)
	defer ticker.Stop()

	logger.Info("watching container", "container", containerID)
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopped watching, rules stay in place", "container", containerID)
			return nil
		case <-hup:
			if err := m.RefreshNow(ctx); err != nil {
				logger.Warn("forced refresh failed", "container", containerID, "err", err)
			}
		case <-ticker.C:
			exists, err := container.Exists(ctx, containerID)
			if err != nil {
				logger.Warn("failed to check container", "container", containerID, "err", err)
				continue
			}
			if exists {
				continue
			}
			logger.Info("container deleted, removing policy", "container", containerID)
			if err := registry.OnDelete(context.WithoutCancel(ctx), containerID); err != nil {
				return describePolicyError(err)
			}
			return nil
		}
	}
}

func teardownCommand(cmd *cobra.Command, args []string) error {
	containerID := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	auditor, closeAudit, err := openAuditLog()
	if err != nil {
		return err
	}
	defer closeAudit()

	policy := network.PolicyConfigFromNetwork(&cfg.Network)
	if policy.Mode == config.NetworkModeOpen {
		// Rules may remain from an earlier restricted or allowlist apply
		policy.Mode = config.NetworkModeRestricted
	}

	m, err := newManager(containerID, policy, auditor)
	if err != nil {
		return err
	}
	if err := m.Teardown(ctx); err != nil {
		return describePolicyError(err)
	}
	fmt.Printf("Network policy removed from %s\n", containerID)
	return nil
}

// newRegistry builds a registry whose managers use the configured backend
func newRegistry(auditor network.Auditor) *network.Registry {
	return network.NewRegistry(func(containerID string, policy network.PolicyConfig) (*network.Manager, error) {
		return newManager(containerID, policy, auditor)
	})
}

func newManager(containerID string, policy network.PolicyConfig, auditor network.Auditor) (*network.Manager, error) {
	backend, err := network.NewBackend(cfg.Network.Backend, containerID)
	if err != nil {
		return nil, err
	}
	return network.NewManager(containerID, policy, network.ManagerOptions{
		Backend: backend,
		Cache:   network.NewCacheStore(filepath.Join(cfg.Paths.StorageDir, "network-cache")),
		Logger:  logger,
		Audit:   auditor,
	}), nil
}

// openAuditLog opens the policy audit log when enabled. The returned
// Auditor is nil when logging is off.
func openAuditLog() (network.Auditor, func(), error) {
	if !cfg.Network.Logging.Enabled || cfg.Network.Logging.Path == "" {
		return nil, func() {}, nil
	}
	audit, err := monitor.NewAuditLog(config.ExpandPath(cfg.Network.Logging.Path))
	if err != nil {
		return nil, nil, err
	}
	return audit, func() {
		if err := audit.Close(); err != nil {
			logger.Warn("failed to close audit log", "err", err)
		}
	}, nil
}

func printApplied(m *network.Manager) {
	applied, ok := m.Applied()
	if !ok {
		return
	}
	fmt.Printf("Network policy applied to %s\n", m.ContainerID())
	fmt.Printf("  Mode: %s\n", applied.Mode)
	if applied.BackendHandle != "" {
		fmt.Printf("  Handle: %s\n", applied.BackendHandle)
	}
	fmt.Printf("  Rules: %d\n", len(applied.Rules))
	for _, r := range applied.Rules {
		fmt.Printf("    %s\n", r)
	}
}

// describePolicyError adds operator hints to the typed policy errors
func describePolicyError(err error) error {
	var resErr *network.ResolutionError
	if errors.As(err, &resErr) {
		return fmt.Errorf("%w\nCheck network.allowed_domains and network.dns_server", err)
	}
	return err
}
