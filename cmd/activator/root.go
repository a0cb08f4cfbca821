package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/activator/internal/config"
)

// exitError carries a process exit code out of a RunE function.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func isExitError(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}

// cli holds state shared by every subcommand.
type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	return (&cli{v: viper.New()}).rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "activator",
		Short:             "Activation workflow service",
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "config.yaml", "path to configuration file")
	flags.Int("port", 0, "HTTP port, overrides server.port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	c.v.SetEnvPrefix("ACTIVATOR")
	_ = c.v.BindEnv("config", "ACTIVATOR_CONFIG")
	if err := c.v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newServeCommand(c),
		newMigrateCommand(c),
		newInspectCommand(c),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig reads the YAML file and applies flag overrides on top.
func (c *cli) loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return err
	}
	if c.v.IsSet("port") && c.v.GetInt("port") > 0 {
		cfg.Server.Port = c.v.GetInt("port")
	}
	if lvl := c.v.GetString("log-level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}
	c.cfg = cfg
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "activator %s (%s)\n", version, commit)
		},
	}
}
