package tools

import (
	"context"
	"log/slog"
	"strings"

	"cale-agent/internal/domain"
)

// Searcher retrieves the k reference documents most similar to query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

type Knowledge struct {
	searcher Searcher
	k        int
	logger   *slog.Logger
}

func NewKnowledge(s Searcher, k int, logger *slog.Logger) *Knowledge {
	if k <= 0 {
		k = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Knowledge{searcher: s, k: k, logger: logger}
}

func (t *Knowledge) ID() domain.ToolID { return domain.ToolKnowledge }

func (t *Knowledge) Description() string {
	return "Busca información sobre atracciones turísticas, cultura, historia y recomendaciones de Cali. Úsalo para preguntas sobre lugares como Cristo Rey, Gato del Río, o qué hacer."
}

func (t *Knowledge) Invoke(ctx context.Context, input string) string {
	if t.searcher == nil {
		return "La base de conocimiento de VisitCali no está disponible."
	}
	docs, err := t.searcher.Search(ctx, strings.TrimSpace(input), t.k)
	if err != nil {
		t.logger.Warn("knowledge search failed", "err", err)
		return "No pude consultar la información de VisitCali en este momento."
	}
	if len(docs) == 0 {
		return "No encontré información relacionada en VisitCali."
	}
	return strings.Join(docs, "\n\n")
}
