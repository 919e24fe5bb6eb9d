package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cale-agent/internal/app"
	"cale-agent/internal/config"
)

type rootFlags struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "cale",
		Short:         "CAL-E, the Cali tourism assistant",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	cmd.AddCommand(
		newServeCmd(flags),
		newIngestCmd(flags),
		newChatCmd(flags),
		newForgetCmd(flags),
	)
	return cmd
}

// setup loads, resolves and validates configuration for mode and installs
// the process logger.
func setup(ctx context.Context, flags *rootFlags, mode config.Mode) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := app.ResolveSecrets(ctx, &cfg, logger); err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(mode); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
