package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cale-agent/handler"
	"cale-agent/internal/app"
	"cale-agent/internal/bot"
	"cale-agent/internal/config"
	"cale-agent/internal/domain"
	"cale-agent/internal/integrations/telegram"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootFlags) *cobra.Command {
	var webhookAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (long polling, or a webhook server with --webhook-addr)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup(ctx, root, config.ModeServe)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, logger, webhookAddr)
		},
	}
	cmd.Flags().StringVar(&webhookAddr, "webhook-addr", "", "listen address for the webhook server (e.g. :8080); polling when empty")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, webhookAddr string) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close services", "err", err)
		}
	}()

	tg, err := telegram.New(cfg.TelegramToken, telegram.WithLogger(logger))
	if err != nil {
		return err
	}
	dispatcher, err := a.Dispatcher(tg)
	if err != nil {
		return err
	}
	runner, err := bot.NewRunner(dispatcher, cfg.Workers, logger)
	if err != nil {
		return err
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.RetentionSchedule, func() {
		if _, err := a.History.RetentionSweep(ctx); err != nil {
			logger.Error("retention sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("serve: retention schedule %q: %w", cfg.RetentionSchedule, err)
	}
	if _, err := sweeper.AddFunc(cfg.KnowledgeRefresh, a.ReloadKnowledge); err != nil {
		return fmt.Errorf("serve: knowledge refresh schedule %q: %w", cfg.KnowledgeRefresh, err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	// In-flight conversations finish after a shutdown signal; the agent's own
	// elapsed bound caps how long that takes.
	drainCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if webhookAddr == "" {
		updates, err := tg.Poll(gctx)
		if err != nil {
			return err
		}
		logger.Info("polling for updates")
		g.Go(func() error { return runner.Run(drainCtx, updates) })
		return ignoreCanceled(g.Wait())
	}

	updates := make(chan domain.Inbound)
	h, err := handler.NewHandler(handler.ChannelSink(updates), cfg.WebhookSecret,
		handler.WithLogger(logger), handler.WithPing(a.Ping))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              webhookAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error { return runner.Run(drainCtx, updates) })
	g.Go(func() error {
		logger.Info("webhook server listening", "addr", webhookAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		close(updates)
		return err
	})
	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
