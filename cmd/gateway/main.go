package main

import (
	"fmt"
	"os"

	"go-gateway/internal/config"
	"go-gateway/internal/observability"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	configFile string
	cfg        *config.Config
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func (a *app) preRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg
	return nil
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:               "gateway",
		Short:             "Message routing gateway",
		SilenceUsage:      true,
		PersistentPreRunE: a.preRun,
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "JSON configuration file")

	rootCmd.AddCommand(serveCommand(a))
	rootCmd.AddCommand(retryCommand(a))
	rootCmd.AddCommand(sendCommand(a))
	rootCmd.AddCommand(migrateCommand(a))
	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
