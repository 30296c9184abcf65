// Package cli implements the conductor command line.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/config"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/uds"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Single-node orchestrator for code-change agent sessions",
	Long: `conductor accepts coding tasks over HTTP, runs each one in an isolated
agent session with bounded concurrency, and reports every terminal outcome to
the caller's webhook. State survives restarts through an atomic snapshot file.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "conductor %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ./conductor.yaml when present)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (model.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// controlClient connects to the control socket of the daemon configured by
// --config.
func controlClient() (*uds.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c := uds.NewClient(cfg.Server.SocketPath)
	c.SetTimeout(10 * time.Second)
	return c, nil
}
