package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/config"
	"github.com/mensfeld/coi-netpolicy/internal/container"
)

// Version is the current version of coi-net (injected via ldflags at build time)
var Version = "dev"

var (
	// Global flags
	networkMode    string
	networkBackend string
	allowDomains   []string
	logLevel       string

	// Loaded config
	cfg *config.Config

	logger = log.Default()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "coi-net",
	Short: "Network isolation policies for Incus containers",
	Long: `coi-net (coi network policy) enforces per-container network access policies
on Incus containers: open, restricted (no private networks) or allowlist
(only resolved domains, refreshed periodically).

Examples:
  coi-net apply coi-abc-1                    # Apply the configured policy
  coi-net apply coi-abc-1 --network=allowlist --watch
  coi-net rules --network=restricted --gateway=10.47.62.1
  coi-net resolve api.anthropic.com          # Show what a domain resolves to
  coi-net teardown coi-abc-1                 # Remove the container's policy
  coi-net health                             # Check host prerequisites
  coi-net clean                              # Remove leftovers of deleted containers
`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel)
		if err != nil {
			return err
		}
		logger = l
		log.SetDefault(l)

		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// CLI flags take precedence over config files
		if cmd.Flags().Changed("network") {
			mode, err := config.ParseNetworkMode(networkMode)
			if err != nil {
				return err
			}
			cfg.Network.Mode = mode
		}
		if cmd.Flags().Changed("backend") {
			backend, err := config.ParseNetworkBackend(networkBackend)
			if err != nil {
				return err
			}
			cfg.Network.Backend = backend
		}
		if cmd.Flags().Changed("allow") {
			cfg.Network.AllowedDomains = allowDomains
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		container.Configure(cfg.Incus.Project, cfg.Incus.Group)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&networkMode, "network", "", "Network mode: restricted (default), allowlist, open")
	rootCmd.PersistentFlags().StringVar(&networkBackend, "backend", "", "Enforcement backend: ovn (default), firewalld")
	rootCmd.PersistentFlags().StringSliceVar(&allowDomains, "allow", nil, "Allowed domains or IPv4 addresses (replaces network.allowed_domains)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coi-net v%s\n", Version)
	},
}

func newLogger(rawLevel string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	}), nil
}
