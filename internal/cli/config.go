package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mensfeld/coi-netpolicy/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Long: `Write a commented example configuration. The default path is the user
config file (~/.config/coi/config.toml).

Examples:
  coi-net config init
  coi-net config init ./.coi.toml
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(config.ExpandPath("~"), ".config", "coi", "config.toml")
		if len(args) > 0 {
			path = config.ExpandPath(args[0])
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteExample(path); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List config files in load order and whether they exist",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, path := range config.GetConfigPaths() {
			state := "missing"
			if _, err := os.Stat(path); err == nil {
				state = "loaded"
			}
			fmt.Printf("%-8s %s\n", state, path)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathsCmd)
}
