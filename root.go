package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"audiorelay/config"
	"audiorelay/logger"
)

const skipConfigAnnotation = "skip-config"

type commandContext struct {
	configFlag string
	envFile    string
	cfg        config.Config
}

// load reads .env, the config file and the environment, then initialises the
// process logger from the result.
func (c *commandContext) load() error {
	config.LoadDotEnv(c.envFile)

	path := strings.TrimSpace(c.configFlag)
	if path == "" {
		path = os.Getenv("AUDIORELAY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    !cfg.Log.NoConsole,
	}); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "audiorelay",
		Short:         "Video to audio conversion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", ".env", "Optional .env file loaded before the environment")

	rootCmd.AddCommand(newGatewayCommand(ctx))
	rootCmd.AddCommand(newConverterCommand(ctx))
	rootCmd.AddCommand(newNotifierCommand(ctx))
	rootCmd.AddCommand(newStandaloneCommand(ctx))
	rootCmd.AddCommand(newFaultsCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
