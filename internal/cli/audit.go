package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/monitor"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit [container]",
	Short: "Show recorded policy events",
	Long: `Show provisioning, refresh and teardown events from the policy audit log
(network.logging.path), optionally for one container.

Examples:
  coi-net audit
  coi-net audit coi-abc-1 --limit 20
`,
	Args: cobra.MaximumNArgs(1),
	RunE: auditCommand,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Show at most this many recent events (0 = all)")
}

func auditCommand(cmd *cobra.Command, args []string) error {
	containerID := ""
	if len(args) > 0 {
		containerID = args[0]
	}

	path := config.ExpandPath(cfg.Network.Logging.Path)
	if path == "" {
		return fmt.Errorf("network.logging.path is not set")
	}

	events, err := monitor.ReadAuditLog(path, containerID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Println("No policy events recorded yet.")
			return nil
		}
		return err
	}
	if auditLimit > 0 && len(events) > auditLimit {
		events = events[len(events)-auditLimit:]
	}
	printEvents(os.Stdout, events)
	return nil
}

func printEvents(w io.Writer, events []monitor.PolicyEvent) {
	for _, e := range events {
		line := fmt.Sprintf("%s  %-16s %-20s %s", e.Timestamp.Local().Format(time.DateTime), e.Kind, e.ContainerID, e.Mode)
		if e.Rules > 0 {
			line += fmt.Sprintf(" rules=%d", e.Rules)
		}
		if e.Added > 0 || e.Removed > 0 {
			line += fmt.Sprintf(" +%d/-%d", e.Added, e.Removed)
		}
		if len(e.Domains) > 0 {
			line += fmt.Sprintf(" unresolved=%v", e.Domains)
		}
		if e.Error != "" {
			line += " error=" + e.Error
		}
		fmt.Fprintln(w, line)
	}
}
