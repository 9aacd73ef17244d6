// Package cli implements the datapub command line: serving the HTTP API,
// waiting for backends to come up, and running push replication jobs.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/config"
	"datapub.evalgo.org/version"
)

// cfgFile holds the path given with --config. Empty means the standard
// search locations apply.
var cfgFile string

// RootCmd is the datapub entry point.
var RootCmd = &cobra.Command{
	Use:   "datapub",
	Short: "metadata-driven data service",
	Long: `datapub serves declarative data manifests over HTTP.

Given a tabular manifest describing datasets, models and properties, it
exposes a uniform JSON API over an internal Postgres store and external
SQL sources, and replicates external data into remote datapub instances
with the push command.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml, ~/.datapub, /etc/datapub)")
	RootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and reconfigures the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	common.Logger = common.NewLogger(common.LoggerConfig{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "datapub",
	})
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("datapub %s (%s)\n", version.GetVersion(), info.GoVersion)
	},
}
