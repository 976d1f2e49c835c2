package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fluxorio/wtp/pkg/config"
	"github.com/fluxorio/wtp/pkg/core"
)

type globalOptions struct {
	configFile string
	envPrefix  string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "logworker",
		Short:         "Run synthetic log lines through an elastic worker pool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	addGlobalFlags(rootCmd.PersistentFlags(), opts)

	rootCmd.AddCommand(newRunCmd(opts), newConfigCmd(opts))
	return rootCmd
}

func addGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.StringVarP(&opts.configFile, "config", "c", "", "config file path (yaml or json)")
	fs.StringVar(&opts.envPrefix, "env-prefix", config.DefaultEnvPrefix, "prefix of environment overrides")
	fs.BoolVarP(&opts.debug, "debug", "d", false, "set log level to DEBUG")
}

// loadConfig reads the effective configuration
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile, o.envPrefix)
	if err != nil {
		return config.Config{}, err
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section
func newLogger(cfg config.LogSection) core.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(core.ParseLevel(cfg.Level))
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return core.NewLogger(l)
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				return config.WriteYAML(cmd.OutOrStdout(), cfg)
			case "json":
				return config.WriteJSON(cmd.OutOrStdout(), cfg)
			default:
				return fmt.Errorf("unknown format %q, want yaml or json", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format, 'yaml' or 'json'")
	return cmd
}
