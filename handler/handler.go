// Package handler exposes the Telegram webhook over AWS Lambda (API Gateway
// proxy events) and over plain HTTP with chi.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"cale-agent/internal/domain"
	"cale-agent/internal/integrations/telegram"
)

const (
	SecretHeader      = "X-Telegram-Bot-Api-Secret-Token"
	CorrelationHeader = "X-Correlation-Id"

	maxBodyBytes = 1 << 20
)

// Sink accepts a decoded update. An error asks Telegram to redeliver.
type Sink func(ctx context.Context, in domain.Inbound) error

// Dispatcher is satisfied by *bot.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, in domain.Inbound)
}

// DispatchSink handles the update before returning. Lambda needs this since
// the runtime freezes once the response is sent.
func DispatchSink(d Dispatcher) Sink {
	return func(ctx context.Context, in domain.Inbound) error {
		d.Dispatch(ctx, in)
		return nil
	}
}

// ChannelSink queues the update for a bot.Runner.
func ChannelSink(ch chan<- domain.Inbound) Sink {
	return func(ctx context.Context, in domain.Inbound) error {
		select {
		case ch <- in:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPing sets the readiness check behind /healthz.
func WithPing(ping func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.ping = ping
	}
}

type Handler struct {
	sink   Sink
	secret string
	ping   func(ctx context.Context) error
	logger *slog.Logger
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(sink Sink, secret string, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("handler: sink must not be nil")
	}
	h := &Handler{sink: sink, secret: secret, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle is the Lambda entry point for API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, CorrelationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if req.HTTPMethod == http.MethodGet {
		status, body := h.health(ctx)
		return jsonResponse(status, body, correlationID), nil
	}
	status, body := h.webhook(ctx, headerValue(req.Headers, SecretHeader), []byte(req.Body), correlationID)
	return jsonResponse(status, body, correlationID), nil
}

// Routes returns the HTTP surface: POST /telegram/webhook and GET /healthz.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, body := h.health(r.Context())
		writeJSON(w, status, body)
	})
	r.Post("/telegram/webhook", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(domain.ErrorInvalidInput)})
			return
		}
		correlationID := middleware.GetReqID(r.Context())
		w.Header().Set(CorrelationHeader, correlationID)
		status, body := h.webhook(r.Context(), r.Header.Get(SecretHeader), raw, correlationID)
		writeJSON(w, status, body)
	})
	return r
}

func (h *Handler) webhook(ctx context.Context, secret string, raw []byte, correlationID string) (int, any) {
	logger := h.logger.With("correlation_id", correlationID)
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) != 1 {
		logger.Warn("webhook secret mismatch")
		return http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED"}
	}

	in, ok, err := telegram.DecodeUpdate(raw)
	if err != nil {
		logger.Warn("webhook body rejected", "err", err)
		return http.StatusBadRequest, errorResponse{Error: string(domain.ErrorInvalidInput)}
	}
	if !ok {
		return http.StatusOK, statusResponse{Status: "ignored"}
	}
	if err := h.sink(ctx, in); err != nil {
		logger.Error("webhook update not accepted", "update_id", in.UpdateID, "err", err)
		return http.StatusServiceUnavailable, errorResponse{Error: string(domain.ErrorTransientUpstream)}
	}
	return http.StatusOK, statusResponse{Status: "ok"}
}

func (h *Handler) health(ctx context.Context) (int, any) {
	if h.ping != nil {
		if err := h.ping(ctx); err != nil {
			h.logger.Error("health check failed", "err", err)
			return http.StatusServiceUnavailable, statusResponse{Status: "unavailable"}
		}
	}
	return http.StatusOK, statusResponse{Status: "ok"}
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	b, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			CorrelationHeader: correlationID,
		},
		Body: string(b),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
