package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/cleanup"
)

var (
	cleanForce  bool
	cleanDryRun bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove network policy leftovers of deleted containers",
	Long: `Remove network policy artifacts whose container is gone.

Orphaned resources include:
- coi-net-* network ACLs for containers that no longer exist
- firewalld direct rules for addresses no running container holds

Examples:
  coi-net clean                # Clean with confirmation
  coi-net clean --force        # Clean without confirmation
  coi-net clean --dry-run      # Show what would be cleaned
`,
	Args: cobra.NoArgs,
	RunE: cleanCommand,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "Skip confirmation prompts")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Show what would be cleaned without making changes")
}

func cleanCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	host := cleanup.SystemHost()

	fmt.Println("Scanning for orphaned network policy resources...")
	orphans, err := cleanup.DetectAll(ctx, host, logger)
	if err != nil {
		return err
	}

	if orphans.Empty() {
		fmt.Println("  (no orphaned resources found)")
		fmt.Println("\nNothing to clean.")
		return nil
	}

	printOrphanedResources(os.Stdout, orphans)

	if cleanDryRun {
		fmt.Println("\n[Dry run] No changes made.")
		return nil
	}

	if !cleanForce {
		fmt.Print("\nClean up orphaned resources? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	acls, rules, err := cleanup.CleanupAll(ctx, host, orphans, logger)
	if cleaned := acls + rules; cleaned > 0 {
		fmt.Printf("\nCleaned %d item(s)\n", cleaned)
	}
	if err != nil {
		return fmt.Errorf("some resources could not be removed: %w", err)
	}
	return nil
}

func printOrphanedResources(w io.Writer, orphans *cleanup.OrphanedResources) {
	if len(orphans.ACLs) > 0 {
		fmt.Fprintf(w, "Found %d orphaned network ACL(s):\n", len(orphans.ACLs))
		for _, acl := range orphans.ACLs {
			fmt.Fprintf(w, "  - %s\n", acl)
		}
	}
	if len(orphans.FirewallRules) > 0 {
		fmt.Fprintf(w, "Found firewall rules for %d address(es) no container holds:\n", len(orphans.FirewallRules))
		for _, ip := range orphans.FirewallRules {
			fmt.Fprintf(w, "  - %s\n", ip)
		}
	}
}
