package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"

	"cale-agent/internal/config"
	"cale-agent/internal/domain"
)

type nopTransport struct{}

func (nopTransport) SendText(context.Context, int64, string) error        { return nil }
func (nopTransport) SendTyping(context.Context, int64) error              { return nil }
func (nopTransport) DownloadFile(context.Context, string) ([]byte, error) { return nil, nil }

func testConfig(t *testing.T, vars map[string]string) config.Config {
	t.Helper()
	vars["DATABASE_PATH"] = filepath.Join(t.TempDir(), "cale.db")
	cfg, err := config.Parse(env.Options{Environment: vars})
	require.NoError(t, err)
	return cfg
}

func TestNew_AnthropicWithoutKnowledge(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REASONER": "anthropic", "ANTHROPIC_API_KEY": "sk-test"})
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.Messages)
	require.NotNil(t, a.History)
	require.Nil(t, a.Transcriber)
	require.NoError(t, a.Ping(context.Background()))
	require.NotPanics(t, a.ReloadKnowledge)

	n, err := a.History.Forget(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, n)

	d, err := a.Dispatcher(nopTransport{})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), domain.Inbound{ChatID: 1, UserID: 1, Text: "/start"})
	})
}

func TestNew_OpenAIWithTranscriber(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REASONER": "openai", "OPENAI_API_KEY": "sk-test", "OPENAI_BASE_URL": "http://127.0.0.1:1"})
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Transcriber)
}

func TestNew_GeminiNeedsKey(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	_, err := New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "GOOGLE_API_KEY")
}

func TestResolveSecrets_NoPrefix(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	require.NoError(t, ResolveSecrets(context.Background(), &cfg, nil))
}

func TestClose_Idempotent(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REASONER": "anthropic", "ANTHROPIC_API_KEY": "sk-test"})
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestPlacesWeatherCap(t *testing.T) {
	require.Equal(t, -1, placesWeatherCap(0))
	require.Equal(t, -1, placesWeatherCap(-1))
	require.Equal(t, 3, placesWeatherCap(3))
}
