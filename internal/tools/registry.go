// Package tools holds the string-in/string-out adapters the agent can call.
// Invoke never returns an error: failures become observation text so the
// reasoning loop can recover.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cale-agent/internal/domain"
)

type Tool interface {
	ID() domain.ToolID
	Description() string
	Invoke(ctx context.Context, input string) string
}

const panicObservation = "La herramienta falló inesperadamente. Intenta responder con la información que ya tienes."

// InvalidTool is the observation fed back when the backend names a tool
// outside the registry.
func InvalidTool(name string, valid []string) string {
	return fmt.Sprintf("%s is not a valid tool, try one of [%s].", name, strings.Join(valid, ", "))
}

// Registry is the closed set of tools, fixed at construction.
type Registry struct {
	order  []domain.ToolID
	byID   map[domain.ToolID]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{byID: make(map[domain.ToolID]Tool, len(tools)), logger: logger}
	for _, t := range tools {
		if t == nil {
			return nil, errors.New("tools: tool must not be nil")
		}
		id := t.ID()
		if id == domain.ToolUnknown {
			return nil, errors.New("tools: tool id must be known")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %s", id)
		}
		r.byID[id] = t
		r.order = append(r.order, id)
	}
	return r, nil
}

// Tools lists registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, id.String())
	}
	return out
}

func (r *Registry) Has(id domain.ToolID) bool {
	_, ok := r.byID[id]
	return ok
}

// Invoke runs the tool and converts a panic into a degraded observation.
func (r *Registry) Invoke(ctx context.Context, id domain.ToolID, input string) (obs string) {
	t, ok := r.byID[id]
	if !ok {
		return InvalidTool(id.String(), r.Names())
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", id.String(), "panic", fmt.Sprint(rec))
			obs = panicObservation
		}
	}()
	return t.Invoke(ctx, input)
}
