package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon in the foreground",
	Long: `Run the orchestrator: recover the snapshot, start the background loops and
serve the HTTP API and the control socket until SIGINT or SIGTERM. A second
signal during shutdown forces an immediate exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		logger.Info("conductor_starting", zap.String("version", appVersion))

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}
		if err := d.Run(nil); err != nil {
			logger.Error("daemon_failed", zap.Error(err))
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
