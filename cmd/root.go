package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/config"
)

var (
	// envFile is the optional dotenv file loaded before configuration is read.
	envFile string
	// debug raises the log level.
	debug bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taskboard",
	Short: "Kanban board service with position reconciliation.",
	Long: `taskboard serves a multi-tenant kanban board. Dragging a card between or
within columns is reconciled into gap-free, unique positions in storage.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		configureLogging()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (same as DEBUG=1)")
	_ = viper.BindPFlag("DEBUG", rootCmd.PersistentFlags().Lookup("debug"))
	viper.AutomaticEnv()
}

func configureLogging() {
	if viper.GetBool("DEBUG") {
		log.SetLevel(log.DebugLevel)
	}
	if viper.GetString("LOG_FORMAT") != "text" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
