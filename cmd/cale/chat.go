package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"cale-agent/internal/app"
	"cale-agent/internal/config"
	"cale-agent/internal/domain"
)

func newChatCmd(root *rootFlags) *cobra.Command {
	var (
		userID int64
		name   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to CAL-E from the terminal using the same history and tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup(ctx, root, config.ModeChat)
			if err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "tú> ",
				HistoryFile:     historyFile(),
				InterruptPrompt: "^C",
				EOFPrompt:       "/salir",
			})
			if err != nil {
				return fmt.Errorf("chat: open terminal: %w", err)
			}
			defer rl.Close()

			out := &consoleTransport{w: rl.Stdout()}
			dispatcher, err := a.Dispatcher(out)
			if err != nil {
				return err
			}
			dispatcher.Dispatch(ctx, domain.Inbound{ChatID: userID, UserID: userID, FirstName: name, Text: "/start"})
			return chatLoop(ctx, rl, func(line string) {
				dispatcher.Dispatch(ctx, domain.Inbound{ChatID: userID, UserID: userID, FirstName: name, Text: line})
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 1, "user id the local conversation is stored under")
	cmd.Flags().StringVar(&name, "name", "", "first name used in the greeting")
	return cmd
}

type lineReader interface {
	Readline() (string, error)
}

// chatLoop reads lines until EOF or /salir. Ctrl+C on an empty line also exits.
func chatLoop(ctx context.Context, rl lineReader, send func(line string)) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/salir", "/exit":
			return nil
		}
		send(line)
	}
}

// consoleTransport prints replies instead of sending them to Telegram.
type consoleTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *consoleTransport) SendText(_ context.Context, _ int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "CAL-E> %s\n\n", text)
	return err
}

func (c *consoleTransport) SendTyping(context.Context, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, "CAL-E está escribiendo...")
	return err
}

func (c *consoleTransport) DownloadFile(context.Context, string) ([]byte, error) {
	return nil, errors.New("chat: voice notes are not supported in the console")
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cale", "chat_history")
}
