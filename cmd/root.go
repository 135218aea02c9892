// Package cmd holds the command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/config"
)

var defaults = config.DefaultConfig()

// NewRootCommand builds the swb command tree. Each call binds a fresh viper
// instance, so tests can run commands side by side.
func NewRootCommand() *cobra.Command {
	vip := viper.New()
	root := &cobra.Command{
		Use:           "swb",
		Short:         "Shared whiteboard relay and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "load configuration from file")
	root.PersistentFlags().String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-encoder", defaults.Log.Encoder, "log encoder (console, json)")
	mustBind(vip, "config", root.PersistentFlags().Lookup("config"))
	mustBind(vip, "log.level", root.PersistentFlags().Lookup("log-level"))
	mustBind(vip, "log.encoder", root.PersistentFlags().Lookup("log-encoder"))

	root.AddCommand(
		newRelayCommand(vip),
		newJoinCommand(vip),
		newDocsCommand(vip),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func mustBind(vip *viper.Viper, key string, flag *pflag.Flag) {
	if err := vip.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// setup loads the configuration and builds the logger for a command.
func setup(vip *viper.Viper) (config.Config, *zap.Logger, error) {
	conf, err := config.Load(vip.GetString("config"), vip)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.Logger(conf.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return conf, logger, nil
}
