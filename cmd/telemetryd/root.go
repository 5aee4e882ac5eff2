package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartcampus/telemetryd/pkg/config"
)

var cfgFile string
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "telemetryd",
	Short: "telemetryd ingests building telemetry over MQTT",
	Long: `telemetryd subscribes to per-device MQTT topics, persists incoming
telemetry to PostgreSQL, infers device connectivity from telemetry recency,
and republishes commands to devices.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/telemetryd.yaml)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}
