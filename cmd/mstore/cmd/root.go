package cmd

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelpack/mstore/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "mstore",
	Short: "Content-addressable model store CLI",
	Long:  "CLI for inspecting and managing the local model store: listing models, removing tags and backing up the store tree.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(viper.GetString("log_level"))
		if err != nil {
			level = logrus.InfoLevel
		}
		logrus.SetLevel(level)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/mstore/config.yaml)")
	rootCmd.PersistentFlags().String("store-path", "", "store base directory (default: ~/.local/share/mstore)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("store_path", rootCmd.PersistentFlags().Lookup("store-path"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MSTORE")
	viper.AutomaticEnv()
	viper.SetDefault("store_path", defaultStorePath())
	viper.SetDefault("log_level", "info")

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "mstore")
	}
	return ".mstore"
}

func defaultStorePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "mstore")
	}
	return ".mstore"
}

func openStore() *store.Global {
	return store.New(viper.GetString("store_path"),
		store.WithLogger(logrus.NewEntry(logrus.StandardLogger())))
}
