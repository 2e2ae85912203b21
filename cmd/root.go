package cmd

import (
	"fmt"
	"log/syslog"

	"BatteryManager6813/config"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "BatteryManager6813",
	Short: "Battery management for an LTC6813 monitored traction pack",
	Long: `BatteryManager6813 monitors a daisy chain of LTC6813 cell monitors, protects the pack
through the tractive system contactors and balances the cells.

Without --config the built in defaults are used. --verbose forces debug logging.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, config.Validate(&cfg)
	}
	return config.Load(configPath)
}

func setupLogging(cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Syslog {
		hook, err := lSyslog.NewSyslogHook("", "", syslog.LOG_NOTICE, "BatteryManager")
		if err != nil {
			log.WithError(err).Warn("Unable to connect to syslog, logging to stderr only")
		} else {
			log.AddHook(hook)
		}
	}
	return nil
}
