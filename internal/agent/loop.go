// Package agent runs the Thought/Action/Observation loop that lets a
// reasoning backend call tools before answering.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cale-agent/internal/domain"
	"cale-agent/internal/prompt"
	"cale-agent/internal/tools"
)

const (
	DefaultMaxIterations = 5
	DefaultMaxElapsed    = 45 * time.Second

	// FallbackAnswer is returned with StateAborted.
	FallbackAnswer = "Lo siento, no logré completar tu solicitud a tiempo. 😥 ¿Puedes intentar con una pregunta más específica?"
)

// StopSequences keep the backend from writing its own observations.
var StopSequences = []string{observationMarker}

// Reasoner is a text completion backend.
type Reasoner interface {
	Complete(ctx context.Context, prompt string, stop []string) (string, error)
}

// Toolset is satisfied by *tools.Registry.
type Toolset interface {
	Tools() []tools.Tool
	Names() []string
	Has(id domain.ToolID) bool
	Invoke(ctx context.Context, id domain.ToolID, input string) string
}

type State int

const (
	StateThinking State = iota
	StateToolCall
	StateObserving
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "thinking"
	case StateToolCall:
		return "tool_call"
	case StateObserving:
		return "observing"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Step is one tool round of the current request. Never persisted.
type Step struct {
	Thought     string
	Tool        domain.ToolID
	ToolName    string
	Input       string
	Observation string
	Log         string
}

type Request struct {
	Input   string
	History []domain.ChatMessage
}

type Result struct {
	State      State
	Answer     string
	Steps      []Step
	Iterations int
}

type Options struct {
	MaxIterations int
	MaxElapsed    time.Duration
	Logger        *slog.Logger
}

type Loop struct {
	reasoner Reasoner
	tools    Toolset
	specs    []prompt.ToolSpec
	maxIter  int
	maxTime  time.Duration
	logger   *slog.Logger
}

func New(r Reasoner, ts Toolset, opts Options) (*Loop, error) {
	if r == nil {
		return nil, errors.New("agent: reasoner must not be nil")
	}
	if ts == nil {
		return nil, errors.New("agent: toolset must not be nil")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = DefaultMaxElapsed
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var specs []prompt.ToolSpec
	for _, t := range ts.Tools() {
		specs = append(specs, prompt.ToolSpec{Name: t.ID().String(), Description: t.Description()})
	}
	return &Loop{
		reasoner: r,
		tools:    ts,
		specs:    specs,
		maxIter:  opts.MaxIterations,
		maxTime:  opts.MaxElapsed,
		logger:   opts.Logger,
	}, nil
}

// Run drives the loop to a final answer or aborts once the iteration or time
// bound is hit. Backend errors are returned as-is so callers can retry
// transient ones; cancellation of ctx returns ctx.Err().
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.maxTime)
	defer cancel()

	history := prompt.FormatHistory(req.History)
	var (
		res        Result
		scratchpad strings.Builder
	)
	for res.Iterations < l.maxIter {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if runCtx.Err() != nil {
			break
		}
		res.Iterations++
		l.logger.Debug("agent step", "state", StateThinking.String(), "iteration", res.Iterations)

		text, err := l.reasoner.Complete(runCtx, prompt.Compile(prompt.Input{
			History:    history,
			Tools:      l.specs,
			UserInput:  req.Input,
			Scratchpad: scratchpad.String(),
		}), StopSequences)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if runCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			res.State = StateAborted
			return res, err
		}

		out, err := ParseOutput(text)
		var step Step
		var parseErr *ParseError
		switch {
		case errors.As(err, &parseErr):
			l.logger.Debug("agent output unparseable", "iteration", res.Iterations,
				"code", domain.CodeOf(err), "observation", parseErr.Observation)
			step = Step{Tool: domain.ToolUnknown, Observation: parseErr.Observation, Log: parseErr.Text}
		case out.Finished:
			res.State = StateFinished
			res.Answer = out.Answer
			return res, nil
		default:
			step = l.callTool(runCtx, out)
		}

		res.Steps = append(res.Steps, step)
		scratchpad.WriteString(step.Log)
		scratchpad.WriteString("\nObservation: ")
		scratchpad.WriteString(step.Observation)
		scratchpad.WriteString("\nThought: ")
	}

	l.logger.Warn("agent aborted", "iterations", res.Iterations, "elapsed_limit", l.maxTime.String())
	res.State = StateAborted
	res.Answer = FallbackAnswer
	return res, nil
}

func (l *Loop) callTool(ctx context.Context, out Output) Step {
	step := Step{
		Thought:  out.Thought,
		Tool:     domain.ParseToolID(out.Tool),
		ToolName: out.Tool,
		Input:    out.Input,
		Log:      out.Log,
	}
	if step.Tool == domain.ToolUnknown || !l.tools.Has(step.Tool) {
		step.Tool = domain.ToolUnknown
		step.Observation = tools.InvalidTool(out.Tool, l.tools.Names())
		return step
	}

	l.logger.Debug("agent step", "state", StateToolCall.String(), "tool", out.Tool)
	start := time.Now()
	step.Observation = l.tools.Invoke(ctx, step.Tool, out.Input)
	l.logger.Debug("agent step", "state", StateObserving.String(), "tool", out.Tool, "duration_ms", time.Since(start).Milliseconds())
	return step
}
