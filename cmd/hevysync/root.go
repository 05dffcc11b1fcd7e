// Package main wires the sync agent's components into a runnable
// cobra CLI, grounded on the teacher's cli/root.go: cobra for command
// structure, viper for layered flag/env/file configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd is the hevysync entry point.
var rootCmd = &cobra.Command{
	Use:   "hevysync",
	Short: "One-way sync of Hevy workout data into a tabular store",
	Long: `hevysync ingests exercises, workouts, routines, and routine
folders from the Hevy REST API and materializes them into a tabular
store, resuming interrupted runs and reconciling incremental workout
changes via a cursor-based delta import.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.hevysync.yaml)")
	rootCmd.PersistentFlags().String("base-url", "", "Hevy API base URL")
	rootCmd.PersistentFlags().String("api-key", "", "Hevy API key override")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres DSN for the tabular store")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the cross-process import lock")
	rootCmd.PersistentFlags().String("bbolt-path", "", "bbolt file path for the durable property store and cache")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("postgres_dsn", rootCmd.PersistentFlags().Lookup("postgres-dsn"))
	viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("bbolt_path", rootCmd.PersistentFlags().Lookup("bbolt-path"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hevysync")
	}

	viper.SetEnvPrefix("HEVYSYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
