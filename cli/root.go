// Package cli provides the MIDAS command-line interface: the authoring
// API server, the public resolver server, and supporting commands.  It
// wires configuration into services and manages the server lifecycle with
// graceful shutdown.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"midas.oar.dev/common"
	"midas.oar.dev/config"
	"midas.oar.dev/version"
)

// cfgFile holds the configuration file path given with --config; when
// empty, the default search path is used (./midas.yaml, ~/.midas,
// /etc/midas).
var cfgFile string

// RootCmd is the entry point of the midas CLI.
var RootCmd = &cobra.Command{
	Use:   "midas",
	Short: "MIDAS research digital-asset authoring and resolution services",
	Long: `midas runs the services of the MIDAS authoring and publication
control plane: the authoring API over the DBIO record store (serve) and
the public identifier resolver (resolver).`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file")
	RootCmd.AddCommand(versionCmd)
}

// loadConfig reads and validates the configuration and applies the
// logging setup.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := common.ConfigureLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("%s %s (%s)\n", info.MainModule, info.MainVersion, info.GoVersion)
	},
}
