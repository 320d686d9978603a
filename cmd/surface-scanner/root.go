package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/exploopio/surface/pkg/config"
	"github.com/exploopio/surface/pkg/logger"
)

// flagBindings maps command line flags onto settings keys. A flag only
// overrides the configured value when it is set explicitly.
var flagBindings = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"redis-url":   "redis.url",
	"timeout":     "scan.timeout",
	"concurrency": "scan.max_concurrent",
	"health-addr": "server.health_addr",
	"grpc-addr":   "server.grpc_addr",
	"top-ports":   "ports.top_ports",
}

type app struct {
	configFile string
	envFile    string

	settings *config.Settings
	log      *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Attack-surface scan engine",
		Long:          "Surface scanner discovers the external attack surface of a domain or IP and scores the findings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "Path to config file (default ./config.yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "Path to env file")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newScanCmd(a),
		newWorkerCmd(a),
		newModulesCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads settings, applying flags set on the invoked command.
func (a *app) load(flags *pflag.FlagSet) error {
	loader := config.NewLoader(a.configFile)
	loader.EnvFile = a.envFile

	v := loader.Viper()
	for name, key := range flagBindings {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	settings, err := loader.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(settings.Log)
	if err != nil {
		return err
	}

	a.settings = settings
	a.log = log
	if used := loader.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("Loaded config file")
	}
	return nil
}
