package cli

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/network"
)

var (
	rulesGateway string
	rulesCheck   []string
)

var rulesCmd = &cobra.Command{
	Use:   "rules [container]",
	Short: "Show the rules a policy compiles to, without applying them",
	Long: `Resolve the allowlist, compile the configured policy and print the ordered
rule set. Nothing is applied.

The gateway is read from the container's network, or given with --gateway.
Use --check to see which action the rules take for a destination.

Examples:
  coi-net rules coi-abc-1
  coi-net rules --network=restricted --gateway=10.47.62.1
  coi-net rules --network=allowlist --allow=api.anthropic.com --gateway=10.47.62.1 --check=10.0.0.1
`,
	Args: cobra.MaximumNArgs(1),
	RunE: rulesCommand,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesGateway, "gateway", "", "Gateway IPv4 address (default: detect from the container's network)")
	rulesCmd.Flags().StringSliceVar(&rulesCheck, "check", nil, "Destination addresses to evaluate against the rules")
}

func rulesCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	gw, err := rulesGatewayFor(ctx, args)
	if err != nil {
		return err
	}

	policy := network.PolicyConfigFromNetwork(&cfg.Network)
	if err := policy.Validate(); err != nil {
		return err
	}

	resolved := map[string]network.ResolvedEntry{}
	if policy.Mode == config.NetworkModeAllowlist {
		var resolveErr error
		resolved, resolveErr = network.NewResolver(policy.DNSServer).ResolveAll(ctx, policy.AllowedDomains, nil)
		if resolveErr != nil {
			logger.Warn("some entries did not resolve", "err", resolveErr)
		}
	}

	intent, err := network.ResolveIntent(policy, gw, resolved)
	if err != nil {
		return err
	}
	rules := network.Compile(intent)

	checks := make([]netip.Addr, 0, len(rulesCheck))
	for _, raw := range rulesCheck {
		ip, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid --check address %q: %w", raw, err)
		}
		checks = append(checks, ip)
	}

	return renderRules(os.Stdout, policy.Mode, gw, resolved, rules, checks)
}

func rulesGatewayFor(ctx context.Context, args []string) (netip.Addr, error) {
	if rulesGateway != "" {
		gw, err := netip.ParseAddr(rulesGateway)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid --gateway %q: %w", rulesGateway, err)
		}
		return gw, nil
	}
	containerID := ""
	if len(args) > 0 {
		containerID = args[0]
	}
	// Without a container the default profile's network is used
	return network.NetworkGateway(ctx, containerID)
}

func renderRules(w io.Writer, mode config.NetworkMode, gw netip.Addr, resolved map[string]network.ResolvedEntry,
	rules []network.ACLRule, checks []netip.Addr,
) error {
	fmt.Fprintf(w, "Mode: %s\n", mode)
	if mode == config.NetworkModeOpen {
		fmt.Fprintln(w, "No rules: open mode does not restrict traffic")
		return nil
	}
	fmt.Fprintf(w, "Gateway: %s\n", gw)

	if len(resolved) > 0 {
		fmt.Fprintln(w, "\nResolved:")
		names := make([]string, 0, len(resolved))
		for name := range resolved {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s -> %s\n", name, joinAddrs(resolved[name].IPs))
		}
	}

	fmt.Fprintln(w, "\nRules:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  PRIORITY\tDIRECTION\tACTION\tTARGET")
	for _, r := range rules {
		target := r.Target.String()
		if r.Protocol != "" {
			target += " (" + r.Protocol + ")"
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", r.Priority, r.Direction, r.Action, target)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(checks) > 0 {
		fmt.Fprintln(w, "\nChecks:")
		for _, ip := range checks {
			fmt.Fprintf(w, "  egress to %s: %s\n", ip, network.Evaluate(rules, network.DirectionEgress, ip))
		}
	}
	return nil
}

func joinAddrs(ips []netip.Addr) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ", ")
}
