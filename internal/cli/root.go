package cli

import (
	"os"

	"github.com/spf13/cobra"

	"schedflow/internal/config"
	"schedflow/internal/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagDebug     bool

	cfgManager *config.Manager
)

// defaultConfig returns the config path from SCHEDFLOW_CONFIG, if set.
func defaultConfig() string {
	return os.Getenv("SCHEDFLOW_CONFIG")
}

// NewRootCmd creates the root cobra command for the schedflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "schedflow",
		Short: "schedflow runs recurring schedules on a persistent task queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if flagConfig != "" {
				loaded, err := config.Load(flagConfig)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if flagLogLevel != "" {
				cfg.Log.Level = flagLogLevel
			}
			if flagDebug {
				cfg.Log.Level = "debug"
			}
			if flagLogFormat != "" {
				cfg.Log.Format = flagLogFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.Setup(cfg.Log)
			cfgManager = config.NewManager(flagConfig, cfg)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfig(), "YAML config file (or SCHEDFLOW_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (console, json)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newTickCmd(),
		newSchedulesCmd(),
	)
	return root
}
