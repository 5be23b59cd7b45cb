package commands

import (
	"fmt"

	"github.com/crestfs/crestfs/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample CrestFS configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/crestfs/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  crestfs init

  # Initialize with custom path
  crestfs init --config /etc/crestfs/config.yaml

  # Force overwrite existing config
  crestfs init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Format the member devices: crestfs format <path>...")
	fmt.Println("  2. Add the device paths to the configuration file")
	fmt.Println("  3. Start the node with: crestfs start")

	return nil
}
