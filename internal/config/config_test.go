package config

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, vars map[string]string) Config {
	t.Helper()
	c, err := Parse(env.Options{Environment: vars})
	require.NoError(t, err)
	return c
}

type mapGetter map[string]string

func (m mapGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("ParameterNotFound: " + name)
	}
	return v, nil
}

func TestParse_Defaults(t *testing.T) {
	c := parse(t, map[string]string{})
	require.Equal(t, ReasonerGemini, c.Reasoner)
	require.Equal(t, StoreSQLite, c.HistoryStore)
	require.Equal(t, "data/cale.db", c.DatabasePath)
	require.Equal(t, 10, c.HistoryLimit)
	require.Equal(t, 50, c.KeepLast)
	require.Equal(t, 3, c.RetryAttempts)
	require.Equal(t, 2*time.Second, c.RetryBackoff)
	require.Equal(t, 5, c.MaxIterations)
	require.Equal(t, 45*time.Second, c.MaxElapsed)
	require.Equal(t, 10*time.Second, c.NoticeDelay)
	require.Equal(t, " en Cali", c.CitySuffix)
	require.Equal(t, "@daily", c.RetentionSchedule)
	require.Equal(t, "@every 30m", c.KnowledgeRefresh)
	require.Equal(t, 90*24*time.Hour, c.HistoryTTL)
	require.InDelta(t, 0.3, c.Temperature, 1e-6)
}

func TestParse_Overrides(t *testing.T) {
	c := parse(t, map[string]string{
		"REASONER":          " Anthropic ",
		"HISTORY_STORE":     "DynamoDB",
		"HISTORY_TABLE":     "cale-history",
		"PARAM_PREFIX":      "/cale/prod/",
		"RETRY_BACKOFF":     "500ms",
		"HISTORY_KEEP_LAST": "20",
	})
	require.Equal(t, ReasonerAnthropic, c.Reasoner)
	require.Equal(t, StoreDynamoDB, c.HistoryStore)
	require.Equal(t, "/cale/prod", c.ParamPrefix)
	require.Equal(t, 500*time.Millisecond, c.RetryBackoff)
	require.Equal(t, 20, c.KeepLast)
}

func TestParse_BadValue(t *testing.T) {
	_, err := Parse(env.Options{Environment: map[string]string{"WORKERS": "many"}})
	require.Error(t, err)
}

func TestLoad_DotenvOptional(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CALE_TEST_ONLY_VAR=1\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CALE_TEST_ONLY_VAR") })
	_, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "1", os.Getenv("CALE_TEST_ONLY_VAR"))
}

func TestValidate(t *testing.T) {
	base := map[string]string{"TELEGRAM_TOKEN": "t", "GOOGLE_API_KEY": "g"}
	require.NoError(t, parse(t, base).Validate(ModeServe))

	err := parse(t, map[string]string{}).Validate(ModeServe)
	require.ErrorContains(t, err, "TELEGRAM_TOKEN")
	require.ErrorContains(t, err, "GOOGLE_API_KEY")

	err = parse(t, map[string]string{"REASONER": "openai", "TELEGRAM_TOKEN": "t"}).Validate(ModeLambda)
	require.ErrorContains(t, err, "OPENAI_API_KEY")

	err = parse(t, map[string]string{"REASONER": "llama"}).Validate(ModeForget)
	require.ErrorContains(t, err, "REASONER")

	err = parse(t, map[string]string{"HISTORY_STORE": "dynamodb"}).Validate(ModeForget)
	require.ErrorContains(t, err, "HISTORY_TABLE")

	err = parse(t, map[string]string{"LOG_LEVEL": "loud", "LOG_FORMAT": "xml"}).Validate(ModeForget)
	require.ErrorContains(t, err, "loud")
	require.ErrorContains(t, err, "LOG_FORMAT")

	require.NoError(t, parse(t, map[string]string{"ANTHROPIC_API_KEY": "a", "REASONER": "anthropic"}).Validate(ModeChat))
	require.ErrorContains(t, parse(t, map[string]string{}).Validate(ModeIngest), "embeddings")
}

func TestResolveSecrets(t *testing.T) {
	c := parse(t, map[string]string{"PARAM_PREFIX": "/cale", "GOOGLE_API_KEY": "from-env"})
	err := c.ResolveSecrets(context.Background(), mapGetter{
		"/cale/telegram_token":        `{"token":"tg-secret"}`,
		"/cale/google_api_key":        "from-ssm",
		"/cale/google_places_api_key": "places",
	})
	require.Error(t, err, "missing optional parameters are reported")
	require.Equal(t, "tg-secret", c.TelegramToken)
	require.Equal(t, "from-env", c.GoogleAPIKey)
	require.Equal(t, "places", c.PlacesAPIKey)
	require.Empty(t, c.AnthropicAPIKey)

	c = parse(t, map[string]string{})
	require.NoError(t, c.ResolveSecrets(context.Background(), nil))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, " warning ": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseLogLevel("verbose")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "json").Debug("hola", "user_id", 1)
	require.Contains(t, buf.String(), `"msg":"hola"`)

	buf.Reset()
	NewLogger(&buf, "warn", "text").Info("oculto")
	require.Empty(t, buf.String())
}
