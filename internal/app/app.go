// Package app wires configuration into the running object graph. It is the
// only place that knows which concrete backends are in use.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"cale-agent/internal/agent"
	"cale-agent/internal/bot"
	"cale-agent/internal/config"
	"cale-agent/internal/integrations/anthropic"
	"cale-agent/internal/integrations/gemini"
	"cale-agent/internal/integrations/openai"
	"cale-agent/internal/integrations/paramstore"
	"cale-agent/internal/integrations/places"
	"cale-agent/internal/integrations/weather"
	"cale-agent/internal/knowledge"
	"cale-agent/internal/repository"
	"cale-agent/internal/tools"
	"cale-agent/internal/usecase"
)

const upstreamTimeout = 15 * time.Second

// App holds the long-lived services for one process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Messages *usecase.MessageService
	History  *usecase.HistoryService

	// Transcriber is nil when no speech-to-text backend is configured.
	Transcriber bot.Transcriber

	knowledge *knowledge.Retriever

	sqlite  *repository.SQLiteStore
	closers []func() error
}

// ResolveSecrets fills blank credentials from Parameter Store when
// PARAM_PREFIX is set. Missing optional parameters are only logged.
func ResolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.ParamPrefix == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("app: load aws config: %w", err)
	}
	ssm, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return fmt.Errorf("app: create ssm client: %w", err)
	}
	if err := cfg.ResolveSecrets(ctx, ssm); err != nil {
		logger.Warn("some parameters could not be resolved", "prefix", cfg.ParamPrefix, "err", err)
	}
	return nil
}

// New builds stores, backends, tools and services from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := a.openHistory(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	reasoner, embedder, err := a.backends(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	registry, err := a.toolRegistry(embedder)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	loop, err := agent.New(reasoner, registry, agent.Options{
		MaxIterations: cfg.MaxIterations,
		MaxElapsed:    cfg.MaxElapsed,
		Logger:        logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if a.Messages, err = usecase.NewMessageService(store, loop, usecase.MessageOptions{
		HistoryLimit:  cfg.HistoryLimit,
		KeepLast:      cfg.KeepLast,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		Logger:        logger,
	}); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.History, err = usecase.NewHistoryService(store, cfg.KeepLast, logger); err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.OpenAIAPIKey != "" {
		stt, err := openai.NewClient(cfg.OpenAIAPIKey, openaiOptions(cfg, false)...)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Transcriber = stt
	}
	return a, nil
}

// Dispatcher builds the update dispatcher for transport t.
func (a *App) Dispatcher(t bot.Transport) (*bot.Dispatcher, error) {
	return bot.NewDispatcher(t, a.Messages, a.History, bot.Options{
		Transcriber: a.Transcriber,
		NoticeDelay: a.Config.NoticeDelay,
		Logger:      a.Logger,
	})
}

// Ping checks the local database when one is open.
func (a *App) Ping(ctx context.Context) error {
	if a.sqlite == nil {
		return nil
	}
	return a.sqlite.Ping(ctx)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openHistory returns the configured history store. The SQLite file is
// opened in every mode because it also carries the knowledge index.
func (a *App) openHistory(ctx context.Context) (usecase.HistoryStore, error) {
	store, db, err := openStores(ctx, a.Config)
	if db != nil {
		a.sqlite = db
		a.closers = append(a.closers, db.Close)
	}
	return store, err
}

func openStores(ctx context.Context, cfg config.Config) (usecase.HistoryStore, *repository.SQLiteStore, error) {
	db, err := repository.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.HistoryStore != config.StoreDynamoDB {
		return db, db, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, db, fmt.Errorf("app: load aws config: %w", err)
	}
	dynamo, err := repository.NewDynamo(awsdynamodb.NewFromConfig(awsCfg), cfg.HistoryTable, repository.WithTTL(cfg.HistoryTTL))
	if err != nil {
		return nil, db, err
	}
	return dynamo, db, nil
}

// OpenHistory builds only the history service, for maintenance commands that
// need no reasoning backend. The returned func closes the database.
func OpenHistory(ctx context.Context, cfg config.Config, logger *slog.Logger) (*usecase.HistoryService, func() error, error) {
	store, db, err := openStores(ctx, cfg)
	closeFn := func() error { return nil }
	if db != nil {
		closeFn = db.Close
	}
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	svc, err := usecase.NewHistoryService(store, cfg.KeepLast, logger)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}

// backends returns the reasoner and, when a Google key is present, the
// embedder for the knowledge index.
func (a *App) backends(ctx context.Context) (agent.Reasoner, knowledge.Embedder, error) {
	cfg := a.Config
	var (
		gc       *gemini.Client
		embedder knowledge.Embedder
		err      error
	)
	if cfg.GoogleAPIKey != "" {
		opts := []gemini.Option{gemini.WithEmbeddingModel(cfg.EmbeddingModel), gemini.WithTemperature(cfg.Temperature)}
		if cfg.Model != "" && cfg.Reasoner == config.ReasonerGemini {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if gc, err = gemini.New(ctx, cfg.GoogleAPIKey, opts...); err != nil {
			return nil, nil, err
		}
		embedder = gc
	}

	switch cfg.Reasoner {
	case config.ReasonerOpenAI:
		r, err := openai.NewClient(cfg.OpenAIAPIKey, openaiOptions(cfg, true)...)
		return r, embedder, err
	case config.ReasonerAnthropic:
		var opts []anthropic.Option
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		r, err := anthropic.New(cfg.AnthropicAPIKey, opts...)
		return r, embedder, err
	default:
		if gc == nil {
			return nil, nil, errors.New("app: GOOGLE_API_KEY is required for the gemini reasoner")
		}
		return gc, embedder, nil
	}
}

func (a *App) toolRegistry(embedder knowledge.Embedder) (*tools.Registry, error) {
	cfg := a.Config
	httpClient := &http.Client{Timeout: upstreamTimeout}

	var searcher tools.Searcher
	if embedder != nil {
		index, err := knowledge.NewIndex(a.sqlite.DB())
		if err != nil {
			return nil, err
		}
		r, err := knowledge.NewRetriever(embedder, index)
		if err != nil {
			return nil, err
		}
		a.knowledge, searcher = r, r
	} else {
		a.Logger.Warn("knowledge search disabled, GOOGLE_API_KEY not set")
	}

	placesClient := places.New(cfg.PlacesAPIKey, places.WithHTTPClient(httpClient))
	weatherClient := weather.New(cfg.WeatherAPIKey, weather.WithHTTPClient(httpClient))

	return tools.NewRegistry(a.Logger,
		tools.NewKnowledge(searcher, cfg.KnowledgeTopK, a.Logger),
		tools.NewPlaces(placesClient, weatherClient, tools.PlacesOptions{
			CitySuffix: cfg.CitySuffix,
			MaxResults: cfg.PlacesMaxResults,
			MaxWeather: placesWeatherCap(cfg.PlacesMaxWeather),
			Logger:     a.Logger,
		}),
		tools.NewWeather(placesClient, weatherClient, cfg.CitySuffix, a.Logger),
	)
}

// ReloadKnowledge makes the next knowledge search re-read the index. It is a
// no-op when knowledge search is disabled.
func (a *App) ReloadKnowledge() {
	if a.knowledge != nil {
		a.knowledge.Reload()
	}
}

// placesWeatherCap maps PLACES_MAX_WEATHER=0 to "no forecasts". The tool
// treats a zero cap as unset.
func placesWeatherCap(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Ingest rebuilds the knowledge index from a scraped JSONL stream.
func Ingest(ctx context.Context, cfg config.Config, src io.Reader, logger *slog.Logger) (int, error) {
	db, err := repository.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	gc, err := gemini.New(ctx, cfg.GoogleAPIKey, gemini.WithEmbeddingModel(cfg.EmbeddingModel))
	if err != nil {
		return 0, err
	}
	index, err := knowledge.NewIndex(db.DB())
	if err != nil {
		return 0, err
	}
	return knowledge.Ingest(ctx, src, gc, index, logger)
}

func openaiOptions(cfg config.Config, reasoning bool) []openai.Option {
	opts := []openai.Option{openai.WithHTTPClient(&http.Client{Timeout: cfg.MaxElapsed})}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if reasoning {
		opts = append(opts, openai.WithTemperature(float64(cfg.Temperature)))
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
	}
	return opts
}
