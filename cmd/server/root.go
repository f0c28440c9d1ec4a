package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approval-workflows/internal/config"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
)

type commandContext struct {
	configFlag *string

	once sync.Once
	cfg  *config.Config
	log  *logger.Logger
	err  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads the configuration and builds the logger once.
func (c *commandContext) ensureConfig() (*config.Config, *logger.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		c.cfg = cfg
		c.log = logger.New(logger.Config{
			Level:       cfg.Service.LogLevel,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
		})
	})
	return c.cfg, c.log, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	serveCmd := newServeCommand(ctx)
	rootCmd := &cobra.Command{
		Use:           "approval-workflows",
		Short:         "Multi-tenant approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensureConfig()
			return err
		},
		// Without a subcommand the service runs.
		RunE: serveCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	rootCmd.AddCommand(newSpoolCommand(ctx))

	return rootCmd
}
