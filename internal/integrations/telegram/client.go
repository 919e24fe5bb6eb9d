// Package telegram adapts the Telegram Bot API (via telego) to the bot
// transport and inbound update types.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"cale-agent/internal/domain"
)

// maxMessageLen is the chunk size for outgoing text, in UTF-16 code units,
// kept under Telegram's 4096 unit limit.
const maxMessageLen = 4000

type Option func(*options)

type options struct {
	botOpts []telego.BotOption
	logger  *slog.Logger
}

// WithBotOptions passes extra options to telego (API server, HTTP client).
func WithBotOptions(opts ...telego.BotOption) Option {
	return func(o *options) {
		o.botOpts = append(o.botOpts, opts...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

type Client struct {
	bot    *telego.Bot
	logger *slog.Logger
}

func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: token must not be empty")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	botOpts := append([]telego.BotOption{telego.WithDiscardLogger()}, o.botOpts...)

	bot, err := telego.NewBot(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Client{bot: bot, logger: o.logger}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		return fmt.Errorf("telegram: send chat action: %w", err)
	}
	return nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file: %w", err)
	}
	data, err := tu.DownloadFile(c.bot.FileDownloadURL(f.FilePath))
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	return data, nil
}

// Poll starts long polling and forwards convertible updates until ctx is
// done. The returned channel closes when polling stops.
func (c *Client) Poll(ctx context.Context) (<-chan domain.Inbound, error) {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: start long polling: %w", err)
	}
	out := make(chan domain.Inbound)
	go func() {
		defer close(out)
		for u := range updates {
			in, ok := FromUpdate(u)
			if !ok {
				c.logger.Debug("telegram update skipped", "update_id", u.UpdateID)
				continue
			}
			select {
			case out <- in:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DecodeUpdate parses a webhook body. ok is false for updates that carry no
// user message (edits, callbacks, channel posts).
func DecodeUpdate(raw []byte) (domain.Inbound, bool, error) {
	var u telego.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.Inbound{}, false, fmt.Errorf("telegram: decode update: %w", err)
	}
	in, ok := FromUpdate(u)
	return in, ok, nil
}

func FromUpdate(u telego.Update) (domain.Inbound, bool) {
	m := u.Message
	if m == nil || m.From == nil {
		return domain.Inbound{}, false
	}
	in := domain.Inbound{
		UpdateID:  int64(u.UpdateID),
		ChatID:    m.Chat.ID,
		UserID:    m.From.ID,
		FirstName: m.From.FirstName,
		Text:      m.Text,
	}
	if m.Voice != nil {
		in.Voice = &domain.VoiceNote{FileID: m.Voice.FileID, MimeType: m.Voice.MimeType, Duration: m.Voice.Duration}
	}
	if in.Text == "" && in.Voice == nil {
		return domain.Inbound{}, false
	}
	return in, true
}

// splitMessage cuts text into chunks of at most limit UTF-16 code units,
// preferring a newline in the second half of each chunk.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		end, units, newline := 0, 0, -1
		for end < len(runes) {
			n := utf16Len(runes[end])
			if units+n > limit {
				break
			}
			units += n
			if runes[end] == '\n' && units > limit/2 {
				newline = end
			}
			end++
		}
		if end == len(runes) {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max(end, 1)
		if newline > 0 {
			cut = newline
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// utf16Len counts invalid runes as the single U+FFFD unit they encode to.
func utf16Len(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
