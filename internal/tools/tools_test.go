package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cale-agent/internal/domain"
	"cale-agent/internal/integrations/places"
	"cale-agent/internal/integrations/weather"
)

type fakeSearcher struct {
	docs  []string
	err   error
	query string
	k     int
}

func (f *fakeSearcher) Search(_ context.Context, query string, k int) ([]string, error) {
	f.query, f.k = query, k
	return f.docs, f.err
}

type fakePlaces struct {
	out       []places.Place
	err       error
	query     string
	fieldMask string
}

func (f *fakePlaces) SearchText(_ context.Context, query, fieldMask string) ([]places.Place, error) {
	f.query, f.fieldMask = query, fieldMask
	return f.out, f.err
}

type fakeForecaster struct {
	mu    sync.Mutex
	fc    weather.Forecast
	err   error
	calls []places.LatLng
}

func (f *fakeForecaster) Today(_ context.Context, lat, lng float64) (weather.Forecast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, places.LatLng{Latitude: lat, Longitude: lng})
	return f.fc, f.err
}

type panicTool struct{}

func (panicTool) ID() domain.ToolID                     { return domain.ToolWeather }
func (panicTool) Description() string                   { return "explota" }
func (panicTool) Invoke(context.Context, string) string { panic("boom") }

func f64(v float64) *float64 { return &v }

func sunny() weather.Forecast {
	return weather.Forecast{MinC: f64(19), MaxC: f64(28), Condition: "Soleado", WindKmh: f64(9)}
}

func place(name string, lat, lng float64) places.Place {
	return places.Place{
		DisplayName:      name,
		FormattedAddress: "Cali, Valle del Cauca",
		Rating:           f64(4.5),
		WebsiteURI:       "https://example.com/" + strings.ToLower(strings.ReplaceAll(name, " ", "-")),
		Location:         &places.LatLng{Latitude: lat, Longitude: lng},
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)

	k := NewKnowledge(&fakeSearcher{}, 0, nil)
	_, err = NewRegistry(nil, k, k)
	require.ErrorContains(t, err, "duplicate")
}

func TestRegistry_OrderAndInvoke(t *testing.T) {
	fs := &fakeSearcher{docs: []string{"Cristo Rey"}}
	r, err := NewRegistry(nil,
		NewKnowledge(fs, 3, nil),
		NewPlaces(&fakePlaces{}, nil, PlacesOptions{}),
		NewWeather(&fakePlaces{}, nil, "", nil),
	)
	require.NoError(t, err)
	require.Equal(t, []string{"buscar_info_visitcali", "buscar_google_places", "clima_por_lugar"}, r.Names())
	require.Len(t, r.Tools(), 3)
	require.True(t, r.Has(domain.ToolPlaces))
	require.False(t, r.Has(domain.ToolUnknown))

	require.Equal(t, "Cristo Rey", r.Invoke(context.Background(), domain.ToolKnowledge, "cristo"))
}

func TestRegistry_UnknownTool(t *testing.T) {
	r, err := NewRegistry(nil, NewKnowledge(&fakeSearcher{}, 3, nil))
	require.NoError(t, err)

	obs := r.Invoke(context.Background(), domain.ToolWeather, "x")
	require.Equal(t, "clima_por_lugar is not a valid tool, try one of [buscar_info_visitcali].", obs)
}

func TestRegistry_RecoversPanic(t *testing.T) {
	r, err := NewRegistry(nil, panicTool{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		obs := r.Invoke(context.Background(), domain.ToolWeather, "x")
		require.Equal(t, panicObservation, obs)
	})
}

// ---------------------------------------------------------------------------
// Knowledge
// ---------------------------------------------------------------------------

func TestKnowledge_JoinsDocs(t *testing.T) {
	fs := &fakeSearcher{docs: []string{"Título: Cristo Rey", "Título: Gato del Río"}}
	out := NewKnowledge(fs, 0, nil).Invoke(context.Background(), "  estatuas  ")
	require.Equal(t, "Título: Cristo Rey\n\nTítulo: Gato del Río", out)
	require.Equal(t, "estatuas", fs.query)
	require.Equal(t, 3, fs.k)
}

func TestKnowledge_Degraded(t *testing.T) {
	out := NewKnowledge(&fakeSearcher{err: errors.New("index offline")}, 3, nil).Invoke(context.Background(), "x")
	require.NotContains(t, out, "index offline")
	require.Contains(t, out, "No pude")

	out = NewKnowledge(&fakeSearcher{}, 3, nil).Invoke(context.Background(), "x")
	require.Contains(t, out, "No encontré")

	out = NewKnowledge(nil, 3, nil).Invoke(context.Background(), "x")
	require.NotEmpty(t, out)
}

// ---------------------------------------------------------------------------
// Places
// ---------------------------------------------------------------------------

func TestPlaces_FormatsWithWeatherForFirstThree(t *testing.T) {
	fp := &fakePlaces{out: []places.Place{
		place("Uno", 3.1, -76.1),
		place("Dos", 3.2, -76.2),
		place("Tres", 3.3, -76.3),
		place("Cuatro", 3.4, -76.4),
		{DisplayName: "Cinco"},
		place("Seis", 3.6, -76.6),
	}}
	ff := &fakeForecaster{fc: sunny()}

	out := NewPlaces(fp, ff, PlacesOptions{}).Invoke(context.Background(), "sancocho")
	require.Equal(t, "sancocho en Cali", fp.query)
	require.Equal(t, places.FieldMaskFull, fp.fieldMask)
	require.Len(t, ff.calls, 3)

	require.Contains(t, out, "1. Nombre: Uno\n   Dirección: Cali, Valle del Cauca\n   Rating: 4.5\n")
	require.Contains(t, out, "📍 Google Maps: https://www.google.com/maps/search/?api=1&query=3.1,-76.1")
	require.Equal(t, 3, strings.Count(out, "☀️ 19°C - 28°C | Soleado | viento 9 km/h"))
	require.Contains(t, out, "4. Nombre: Cuatro")
	require.Contains(t, out, weatherPlaceholder)
	require.Contains(t, out, "5. Nombre: Cinco\n   Dirección: N/A\n   Rating: N/A\n   Web: N/A\n   📍 Google Maps: \n")
	require.NotContains(t, out, "Seis")
}

func TestPlaces_CustomCaps(t *testing.T) {
	fp := &fakePlaces{out: []places.Place{place("Uno", 1, 1), place("Dos", 2, 2)}}
	ff := &fakeForecaster{fc: sunny()}

	out := NewPlaces(fp, ff, PlacesOptions{CitySuffix: " en Cali, Colombia", MaxResults: 1, MaxWeather: -1}).
		Invoke(context.Background(), "hotel")
	require.Equal(t, "hotel en Cali, Colombia", fp.query)
	require.Empty(t, ff.calls)
	require.Contains(t, out, weatherPlaceholder)
	require.NotContains(t, out, "Dos")
}

func TestPlaces_Degraded(t *testing.T) {
	out := NewPlaces(&fakePlaces{err: places.ErrMissingKey}, nil, PlacesOptions{}).Invoke(context.Background(), "x")
	require.Contains(t, out, "GOOGLE_PLACES_API_KEY")

	out = NewPlaces(&fakePlaces{err: domain.NewError(domain.ErrorTransientUpstream, "places_status", errors.New("503"))}, nil, PlacesOptions{}).
		Invoke(context.Background(), "x")
	require.Contains(t, out, "Google Places")
	require.NotContains(t, out, "503")

	out = NewPlaces(&fakePlaces{}, nil, PlacesOptions{}).Invoke(context.Background(), "x")
	require.Equal(t, "No encontré lugares que coincidan con esa búsqueda.", out)
}

func TestPlaces_WeatherFailuresStayInline(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{weather.ErrMissingKey, "⚠️ Clima no disponible (falta WEATHER_API_KEY)."},
		{weather.ErrNoForecast, "No se encontró pronóstico del clima."},
		{domain.NewError(domain.ErrorPermanentUpstream, "weather_status", &weather.HTTPStatusError{StatusCode: 400, Message: "bad location"}), "Clima no disponible (400): bad location"},
		{errors.New("dial tcp: refused"), "Pronóstico no disponible."},
	}
	for _, tc := range cases {
		fp := &fakePlaces{out: []places.Place{place("Uno", 1, 1)}}
		out := NewPlaces(fp, &fakeForecaster{err: tc.err}, PlacesOptions{}).Invoke(context.Background(), "x")
		require.Contains(t, out, tc.want)
		require.Contains(t, out, "1. Nombre: Uno")
	}
}

// ---------------------------------------------------------------------------
// Weather
// ---------------------------------------------------------------------------

func TestWeather_HappyPath(t *testing.T) {
	fp := &fakePlaces{out: []places.Place{place("Cristo Rey", 3.4359, -76.5639), place("Otro", 0, 0)}}
	ff := &fakeForecaster{fc: sunny()}

	out := NewWeather(fp, ff, "", nil).Invoke(context.Background(), "Cristo Rey")
	require.Equal(t, "☀️ Pronóstico para hoy en Cristo Rey: 19°C - 28°C | Soleado | viento 9 km/h", out)
	require.Equal(t, "Cristo Rey en Cali", fp.query)
	require.Equal(t, places.FieldMaskLocation, fp.fieldMask)
	require.Equal(t, []places.LatLng{{Latitude: 3.4359, Longitude: -76.5639}}, ff.calls)
}

func TestWeather_Degraded(t *testing.T) {
	out := NewWeather(&fakePlaces{}, &fakeForecaster{}, "", nil).Invoke(context.Background(), "x")
	require.Equal(t, "No encontré ese lugar para consultar su clima.", out)

	out = NewWeather(&fakePlaces{out: []places.Place{{DisplayName: "Sin coords"}}}, &fakeForecaster{}, "", nil).Invoke(context.Background(), "x")
	require.Equal(t, "No pude obtener coordenadas de ese lugar.", out)

	out = NewWeather(&fakePlaces{err: errors.New("boom")}, &fakeForecaster{}, "", nil).Invoke(context.Background(), "x")
	require.Equal(t, "No logré obtener el clima del lugar.", out)

	out = NewWeather(&fakePlaces{out: []places.Place{place("Cristo Rey", 1, 1)}}, &fakeForecaster{err: weather.ErrMissingKey}, "", nil).
		Invoke(context.Background(), "x")
	require.Equal(t, "☀️ Pronóstico para hoy en Cristo Rey: ⚠️ Clima no disponible (falta WEATHER_API_KEY).", out)
}
