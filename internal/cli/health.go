package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/health"
)

var (
	healthFormat    string
	healthContainer string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the host can enforce the configured policy",
	Long: `Run diagnostics for Incus, permissions, the configured policy and its
enforcement backend.

Exit codes: 0 all checks passed, 1 warnings, 2 failures.

Examples:
  coi-net health
  coi-net health --container coi-abc-1
  coi-net health --format json
`,
	RunE: healthCommand,
}

func init() {
	healthCmd.Flags().StringVar(&healthFormat, "format", "text", "Output format: text or json")
	healthCmd.Flags().StringVar(&healthContainer, "container", "", "Check the backend against this container's network")
}

func healthCommand(cmd *cobra.Command, args []string) error {
	if healthFormat != "text" && healthFormat != "json" {
		return fmt.Errorf("invalid format %q (expected text or json)", healthFormat)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := health.RunAllChecks(ctx, cfg, healthContainer)

	if healthFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printHealth(os.Stdout, result)
	}

	if code := result.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func printHealth(w io.Writer, result health.HealthResult) {
	for _, c := range result.Checks {
		mark := "[OK]  "
		switch c.Status {
		case health.StatusWarning:
			mark = "[WARN]"
		case health.StatusFailed:
			mark = "[FAIL]"
		}
		fmt.Fprintf(w, "%s %-20s %s\n", mark, c.Name, c.Message)
	}
	fmt.Fprintf(w, "\nStatus: %s\n", result.Status)
}
