package cmd

import (
	"fmt"
	"os"

	"github.com/husam-hammami/hercules-sfms-sub001/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hercules-gateway-service",
	Short: "Gateway activation, data ingestion and command dispatch for the Hercules SFMS platform.",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize Logger
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)

		// Load Config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Logger = logger
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
}
