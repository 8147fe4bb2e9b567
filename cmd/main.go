package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.od2.network/fleet/cmd/config"
	"go.od2.network/fleet/cmd/controller"
	"go.od2.network/fleet/cmd/providers"
	"go.od2.network/fleet/cmd/queue"
	"go.od2.network/fleet/cmd/worker"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "fleet",
	Short: "Autoscaling job worker fleet",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
		if err := providers.LoadConfig(configFile); err != nil {
			log.Fatal("Failed to load config", zap.Error(err))
		}
		providers.MetricsHandler, err = providers.SetupPrometheus()
		if err != nil {
			log.Fatal("Failed to set up metrics", zap.Error(err))
		}
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file (toml, yaml or json)")

	rootCmd.AddCommand(
		&config.Cmd,
		&controller.Cmd,
		&queue.Cmd,
		&worker.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
