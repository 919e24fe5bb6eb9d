// Package bot turns transport updates into commands and agent conversations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cale-agent/internal/domain"
	"cale-agent/internal/usecase"
)

const DefaultNoticeDelay = 10 * time.Second

const (
	welcomeTemplate = "¡Hola %s! 💃 Soy CAL-E, tu asistente IA para descubrir Cali.\n\n" +
		"Puedes preguntarme sobre:\n" +
		"📍 Atracciones (ej. 'Háblame de Cristo Rey')\n" +
		"🍲 Restaurantes (ej. 'Dónde como un buen sancocho')\n" +
		"🎉 Eventos y cultura\n\n" +
		"💡 Tip: Recuerdo nuestras conversaciones anteriores para darte mejores recomendaciones.\n\n" +
		"Comandos disponibles:\n" +
		"/olvidar - Borra tu historial de conversación\n\n" +
		"¡Pregúntame lo que quieras!"

	ForgetDoneText   = "✅ He borrado todo tu historial de conversación.\nEmpezaremos desde cero. ¡Pregúntame lo que quieras! 🌟"
	ForgetEmptyText  = "No hay historial que borrar. ¡Tu pizarra ya está limpia! ✨"
	ForgetFailedText = "No pude borrar tu historial en este momento. 😥 Intenta de nuevo en unos segundos."
	NoticeText       = "⏳ Sigo buscando la mejor respuesta para ti, dame unos segundos más..."
	VoiceFailedText  = "No pude entender tu nota de voz. 🎙️ ¿Puedes escribirme tu pregunta?"
)

// Transport is the messaging platform surface the dispatcher needs.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Transcriber converts a voice note to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Messenger is satisfied by *usecase.MessageService.
type Messenger interface {
	Handle(ctx context.Context, in usecase.MessageInput) usecase.Reply
}

// Forgetter is satisfied by *usecase.HistoryService.
type Forgetter interface {
	Forget(ctx context.Context, userID int64) (int, error)
}

type Options struct {
	// Transcriber is optional; without it voice notes get VoiceFailedText.
	Transcriber Transcriber
	NoticeDelay time.Duration
	Logger      *slog.Logger
}

type Dispatcher struct {
	transport   Transport
	messages    Messenger
	history     Forgetter
	transcriber Transcriber
	noticeDelay time.Duration
	logger      *slog.Logger

	newRequestID func() string
}

func NewDispatcher(t Transport, m Messenger, h Forgetter, opts Options) (*Dispatcher, error) {
	if t == nil {
		return nil, errors.New("bot: transport must not be nil")
	}
	if m == nil {
		return nil, errors.New("bot: message handler must not be nil")
	}
	if h == nil {
		return nil, errors.New("bot: history service must not be nil")
	}
	if opts.NoticeDelay == 0 {
		opts.NoticeDelay = DefaultNoticeDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		transport:    t,
		messages:     m,
		history:      h,
		transcriber:  opts.Transcriber,
		noticeDelay:  opts.NoticeDelay,
		logger:       opts.Logger,
		newRequestID: uuid.NewString,
	}, nil
}

// Dispatch handles one inbound update. Failures are logged; the user only
// ever sees short fixed strings.
func (d *Dispatcher) Dispatch(ctx context.Context, in domain.Inbound) {
	logger := d.logger.With("request_id", d.newRequestID(), "update_id", in.UpdateID, "user_id", in.UserID)

	switch in.Command() {
	case "/start", "/help":
		d.reply(ctx, in.ChatID, fmt.Sprintf(welcomeTemplate, firstName(in)), logger)
		return
	case "/olvidar", "/forget":
		d.forget(ctx, in, logger)
		return
	case "":
	default:
		logger.Debug("unknown command ignored", "command", in.Command())
		return
	}

	text := strings.TrimSpace(in.Text)
	if text == "" && in.Voice != nil {
		d.typing(ctx, in.ChatID, logger)
		var err error
		if text, err = d.transcribe(ctx, in.Voice); err != nil {
			logger.Warn("voice transcription failed", "err", err)
			d.reply(ctx, in.ChatID, VoiceFailedText, logger)
			return
		}
		logger.Debug("voice transcribed", "chars", len(text))
	}
	if text == "" {
		logger.Debug("update ignored, no text or voice")
		return
	}
	d.converse(ctx, in, text, logger)
}

func (d *Dispatcher) converse(ctx context.Context, in domain.Inbound, text string, logger *slog.Logger) {
	d.typing(ctx, in.ChatID, logger)

	stop := d.startNotice(ctx, in.ChatID, logger)
	defer stop()

	start := time.Now()
	reply := d.messages.Handle(ctx, usecase.MessageInput{UserID: in.UserID, Text: text})
	stop()

	logger.Info("message handled", "outcome", string(reply.Outcome), "attempts", reply.Attempts, "duration_ms", time.Since(start).Milliseconds())
	d.reply(ctx, in.ChatID, reply.Text, logger)
}

func (d *Dispatcher) forget(ctx context.Context, in domain.Inbound, logger *slog.Logger) {
	n, err := d.history.Forget(ctx, in.UserID)
	switch {
	case err != nil:
		logger.Error("forget failed", "err", err)
		d.reply(ctx, in.ChatID, ForgetFailedText, logger)
	case n > 0:
		d.reply(ctx, in.ChatID, ForgetDoneText, logger)
	default:
		d.reply(ctx, in.ChatID, ForgetEmptyText, logger)
	}
}

func (d *Dispatcher) transcribe(ctx context.Context, v *domain.VoiceNote) (string, error) {
	if d.transcriber == nil {
		return "", errors.New("bot: no transcriber configured")
	}
	audio, err := d.transport.DownloadFile(ctx, v.FileID)
	if err != nil {
		return "", fmt.Errorf("bot: download voice: %w", err)
	}
	text, err := d.transcriber.Transcribe(ctx, audio, voiceFilename(v.MimeType))
	if err != nil {
		return "", err
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", errors.New("bot: empty transcription")
	}
	return text, nil
}

// startNotice schedules the "still working" message. The returned stop is
// idempotent and never blocks: it cancels the timer and any send in flight.
func (d *Dispatcher) startNotice(ctx context.Context, chatID int64, logger *slog.Logger) func() {
	if d.noticeDelay < 0 {
		return func() {}
	}
	noticeCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.noticeDelay, func() {
		if err := d.transport.SendText(noticeCtx, chatID, NoticeText); err != nil && noticeCtx.Err() == nil {
			logger.Warn("notice send failed", "err", err)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			timer.Stop()
			cancel()
		})
	}
}

func (d *Dispatcher) typing(ctx context.Context, chatID int64, logger *slog.Logger) {
	if err := d.transport.SendTyping(ctx, chatID); err != nil {
		logger.Debug("typing action failed", "err", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string, logger *slog.Logger) {
	if err := d.transport.SendText(ctx, chatID, text); err != nil {
		logger.Error("reply send failed", "err", err)
	}
}

func firstName(in domain.Inbound) string {
	if name := strings.TrimSpace(in.FirstName); name != "" {
		return name
	}
	return "viajero"
}

func voiceFilename(mime string) string {
	switch mime {
	case "audio/mpeg":
		return "voice.mp3"
	case "audio/mp4", "audio/m4a":
		return "voice.m4a"
	case "audio/wav", "audio/x-wav":
		return "voice.wav"
	default:
		return "voice.ogg"
	}
}
