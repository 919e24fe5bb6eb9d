package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"cale-agent/handler"
	"cale-agent/internal/app"
	"cale-agent/internal/config"
	"cale-agent/internal/integrations/telegram"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, "json")
	slog.SetDefault(logger)

	if err := app.ResolveSecrets(ctx, &cfg, logger); err != nil {
		logger.Error("failed to resolve secrets", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(config.ModeLambda); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build services", "err", err)
		os.Exit(1)
	}

	tg, err := telegram.New(cfg.TelegramToken, telegram.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create telegram client", "err", err)
		os.Exit(1)
	}
	dispatcher, err := a.Dispatcher(tg)
	if err != nil {
		logger.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.DispatchSink(dispatcher), cfg.WebhookSecret,
		handler.WithLogger(logger), handler.WithPing(a.Ping))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
