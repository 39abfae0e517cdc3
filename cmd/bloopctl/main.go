package main

import (
	"context"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wilfre/bloop/changelog"
	"github.com/wilfre/bloop/checkpoints"
)

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return path.Join(home, ".bloop")
}

func getLogger(config *viper.Viper) *zap.Logger {
	var logger *zap.Logger
	var err error
	if config.GetBool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func getTable(headers []string, out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(headers)
	table.SetBorder(false)
	return table
}

func mustOpenLog(config *viper.Viper, l *zap.Logger) *changelog.Log {
	clog, err := changelog.Open(path.Join(config.GetString("datadir"), "changelog"),
		changelog.WithLogger(l))
	if err != nil {
		l.Fatal("failed to open changelog", zap.Error(err))
	}
	return clog
}

func mustOpenCheckpoints(config *viper.Viper, l *zap.Logger) *checkpoints.Store {
	store, err := checkpoints.Open(path.Join(config.GetString("datadir"), "checkpoints"))
	if err != nil {
		l.Fatal("failed to open checkpoint store", zap.Error(err))
	}
	return store
}

func main() {
	ctx := context.Background()
	config := viper.New()
	config.AddConfigPath(configDir())
	config.SetConfigType("yaml")
	config.SetConfigName("config")
	config.SetEnvPrefix("BLOOPCTL")
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	config.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use: "bloopctl",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			config.BindPFlags(cmd.Flags())
			config.BindPFlags(cmd.PersistentFlags())
			if err := config.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					log.Fatal(err)
				}
			}
		},
	}
	rootCmd.AddCommand(Streams(ctx, config))
	rootCmd.AddCommand(Shards(ctx, config))
	rootCmd.AddCommand(Checkpoints(config))
	rootCmd.PersistentFlags().String("datadir", path.Join(configDir(), "data"), "Change log data directory.")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Increase log verbosity.")
	rootCmd.Execute()
}
