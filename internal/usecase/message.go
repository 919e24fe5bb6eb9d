package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cale-agent/internal/agent"
	"cale-agent/internal/domain"
)

const (
	DefaultHistoryLimit  = 10
	DefaultKeepLast      = 50
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 2 * time.Second

	// ApologyText is the only failure text a user ever sees.
	ApologyText = "Lo siento, el servidor está muy ocupado en este momento. 😥 Por favor, intenta de nuevo en unos segundos."
)

type HistoryStore interface {
	Append(ctx context.Context, userID int64, role domain.Role, text string) (domain.ChatMessage, error)
	Recent(ctx context.Context, userID int64, limit int) ([]domain.ChatMessage, error)
	Prune(ctx context.Context, userID int64, keepLast int) (int, error)
	Wipe(ctx context.Context, userID int64) (int, error)
}

// AgentRunner is satisfied by *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeAborted  Outcome = "aborted"
	OutcomeFailed   Outcome = "failed"
)

type MessageInput struct {
	UserID int64
	Text   string
}

type Reply struct {
	Text     string
	Outcome  Outcome
	Attempts int
}

type MessageOptions struct {
	HistoryLimit  int
	KeepLast      int
	RetryAttempts int
	RetryBackoff  time.Duration
	Logger        *slog.Logger
}

type MessageService struct {
	store        HistoryStore
	agent        AgentRunner
	historyLimit int
	keepLast     int
	attempts     int
	backoff      time.Duration
	logger       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewMessageService(store HistoryStore, runner AgentRunner, opts MessageOptions) (*MessageService, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: agent runner must not be nil")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.KeepLast <= 0 {
		opts.KeepLast = DefaultKeepLast
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MessageService{
		store:        store,
		agent:        runner,
		historyLimit: opts.HistoryLimit,
		keepLast:     opts.KeepLast,
		attempts:     opts.RetryAttempts,
		backoff:      opts.RetryBackoff,
		logger:       opts.Logger,
		sleep:        sleepCtx,
	}, nil
}

// Handle runs one inbound message end to end. It never returns internal error
// text; only answered exchanges are persisted.
func (s *MessageService) Handle(ctx context.Context, in MessageInput) Reply {
	text := strings.TrimSpace(in.Text)
	logger := s.logger.With("user_id", in.UserID)
	if text == "" {
		return Reply{Text: ApologyText, Outcome: OutcomeFailed}
	}

	history, err := s.store.Recent(ctx, in.UserID, s.historyLimit)
	if err != nil {
		logger.Warn("history read failed, continuing without it", "err", err)
		history = nil
	}

	res, attempts, err := s.runWithRetry(ctx, agent.Request{Input: text, History: history}, logger)
	if err != nil {
		logger.Error("message failed", "attempts", attempts, "code", string(domain.CodeOf(err)), "err", err)
		return Reply{Text: ApologyText, Outcome: OutcomeFailed, Attempts: attempts}
	}
	if res.State != agent.StateFinished {
		logger.Warn("agent aborted", "attempts", attempts, "iterations", res.Iterations)
		answer := res.Answer
		if answer == "" {
			answer = agent.FallbackAnswer
		}
		return Reply{Text: answer, Outcome: OutcomeAborted, Attempts: attempts}
	}

	answer := StripEmphasis(res.Answer)
	s.persist(ctx, in.UserID, text, answer, logger)
	logger.Info("message answered", "attempts", attempts, "iterations", res.Iterations, "tool_steps", len(res.Steps))
	return Reply{Text: answer, Outcome: OutcomeAnswered, Attempts: attempts}
}

func (s *MessageService) runWithRetry(ctx context.Context, req agent.Request, logger *slog.Logger) (agent.Result, int, error) {
	var (
		res agent.Result
		err error
	)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		res, err = s.agent.Run(ctx, req)
		if err == nil {
			return res, attempt, nil
		}
		if !domain.IsTransient(err) || attempt == s.attempts {
			return res, attempt, err
		}
		logger.Warn("backend overloaded, retrying", "attempt", attempt, "backoff", s.backoff.String(), "err", err)
		if sleepErr := s.sleep(ctx, s.backoff); sleepErr != nil {
			return res, attempt, sleepErr
		}
	}
	return res, s.attempts, err
}

// persist writes user then assistant, then prunes. Failures are logged only.
func (s *MessageService) persist(ctx context.Context, userID int64, question, answer string, logger *slog.Logger) {
	if _, err := s.store.Append(ctx, userID, domain.RoleUser, question); err != nil {
		logger.Error("history write failed", "role", string(domain.RoleUser), "err", err)
		return
	}
	if _, err := s.store.Append(ctx, userID, domain.RoleAssistant, answer); err != nil {
		logger.Error("history write failed", "role", string(domain.RoleAssistant), "err", err)
		return
	}
	if n, err := s.store.Prune(ctx, userID, s.keepLast); err != nil {
		logger.Error("history prune failed", "err", err)
	} else if n > 0 {
		logger.Debug("history pruned", "removed", n)
	}
}

var emphasis = strings.NewReplacer("**", "", "__", "")

// StripEmphasis removes inline bold markup the chat surface would show raw.
func StripEmphasis(s string) string {
	return strings.TrimSpace(emphasis.Replace(s))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
