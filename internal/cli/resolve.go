package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/network"
)

var resolveJSON bool

var resolveCmd = &cobra.Command{
	Use:   "resolve [domain...]",
	Short: "Resolve allowlist entries to IPv4 addresses",
	Long: `Resolve domains the way the allowlist refresh does, using network.dns_server
when set. Without arguments the configured allowed domains are resolved.

Examples:
  coi-net resolve
  coi-net resolve api.anthropic.com registry.npmjs.org
  coi-net resolve --json
`,
	RunE: resolveCommand,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "Print results as JSON")
}

func resolveCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	names := args
	if len(names) == 0 {
		names = cfg.Network.AllowedDomains
	}
	if len(names) == 0 {
		return fmt.Errorf("nothing to resolve: pass domains or set network.allowed_domains")
	}

	resolved, err := network.NewResolver(cfg.Network.DNSServer).ResolveAll(ctx, names, nil)
	if resolveJSON {
		if encErr := writeResolvedJSON(os.Stdout, resolved); encErr != nil {
			return encErr
		}
	} else {
		writeResolved(os.Stdout, resolved)
	}

	if err != nil {
		var failed []string
		for _, e := range unwrapErrors(err) {
			var resErr *network.ResolutionError
			if errors.As(e, &resErr) {
				failed = append(failed, resErr.Error())
			}
		}
		for _, f := range failed {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", f)
		}
		if len(resolved) == 0 {
			return fmt.Errorf("no entry resolved")
		}
	}
	return nil
}

func writeResolved(w io.Writer, resolved map[string]network.ResolvedEntry) {
	for _, name := range sortedNames(resolved) {
		fmt.Fprintf(w, "%s -> %s\n", name, joinAddrs(resolved[name].IPs))
	}
}

func writeResolvedJSON(w io.Writer, resolved map[string]network.ResolvedEntry) error {
	entries := make([]network.ResolvedEntry, 0, len(resolved))
	for _, name := range sortedNames(resolved) {
		entries = append(entries, resolved[name])
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func sortedNames(resolved map[string]network.ResolvedEntry) []string {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unwrapErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
