package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"cale-agent/internal/domain"
	"cale-agent/internal/integrations/places"
	"cale-agent/internal/integrations/weather"
)

// PlaceSearcher is satisfied by *places.Client.
type PlaceSearcher interface {
	SearchText(ctx context.Context, query, fieldMask string) ([]places.Place, error)
}

// Forecaster is satisfied by *weather.Client.
type Forecaster interface {
	Today(ctx context.Context, lat, lng float64) (weather.Forecast, error)
}

const (
	defaultCitySuffix      = " en Cali"
	defaultMaxPlaces       = 5
	defaultMaxWeatherCalls = 3
	weatherPlaceholder     = "Clima: (toca para ver más detalles)"
)

type PlacesOptions struct {
	// CitySuffix is appended to every query to keep results local.
	CitySuffix string
	// MaxResults caps how many places are listed.
	MaxResults int
	// MaxWeather caps how many of the listed places get a forecast. Zero
	// means the default; a negative value disables forecasts.
	MaxWeather int
	Logger     *slog.Logger
}

func (o PlacesOptions) withDefaults() PlacesOptions {
	if o.CitySuffix == "" {
		o.CitySuffix = defaultCitySuffix
	}
	if o.MaxResults <= 0 {
		o.MaxResults = defaultMaxPlaces
	}
	if o.MaxWeather < 0 {
		o.MaxWeather = 0
	} else if o.MaxWeather == 0 {
		o.MaxWeather = defaultMaxWeatherCalls
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Places lists local businesses with address, rating, map link and weather.
type Places struct {
	search  PlaceSearcher
	weather Forecaster
	opts    PlacesOptions
}

func NewPlaces(search PlaceSearcher, forecaster Forecaster, opts PlacesOptions) *Places {
	return &Places{search: search, weather: forecaster, opts: opts.withDefaults()}
}

func (t *Places) ID() domain.ToolID { return domain.ToolPlaces }

func (t *Places) Description() string {
	return "Busca restaurantes, bares, hoteles y otros lugares de interés en Cali. Útil para recomendaciones, direcciones y calificaciones."
}

func (t *Places) Invoke(ctx context.Context, input string) string {
	if t.search == nil {
		return "⚠️ Búsqueda de lugares no disponible."
	}
	found, err := t.search.SearchText(ctx, strings.TrimSpace(input)+t.opts.CitySuffix, places.FieldMaskFull)
	if err != nil {
		if errors.Is(err, places.ErrMissingKey) {
			return "⚠️ Búsqueda de lugares no disponible (falta GOOGLE_PLACES_API_KEY)."
		}
		t.opts.Logger.Warn("places search failed", "err", err)
		return "Error al contactar la API de Google Places. Intenta con otra búsqueda."
	}
	if len(found) == 0 {
		return "No encontré lugares que coincidan con esa búsqueda."
	}
	if len(found) > t.opts.MaxResults {
		found = found[:t.opts.MaxResults]
	}

	forecasts := make([]string, len(found))
	var g errgroup.Group
	for i, p := range found {
		if p.Location == nil {
			continue
		}
		if i >= t.opts.MaxWeather {
			forecasts[i] = weatherPlaceholder
			continue
		}
		g.Go(func() error {
			forecasts[i] = "☀️ " + forecastText(ctx, t.weather, *p.Location, t.opts.Logger)
			return nil
		})
	}
	_ = g.Wait()

	rows := make([]string, 0, len(found))
	for i, p := range found {
		mapsURL := ""
		if p.Location != nil {
			mapsURL = places.MapsURL(*p.Location)
		}
		rows = append(rows, fmt.Sprintf(
			"%d. Nombre: %s\n   Dirección: %s\n   Rating: %s\n   Web: %s\n   📍 Google Maps: %s\n   %s\n",
			i+1, orNA(p.DisplayName), orNA(p.FormattedAddress), rating(p.Rating), orNA(p.WebsiteURI), mapsURL, forecasts[i],
		))
	}
	return strings.Join(rows, "\n")
}

// forecastText renders the day's summary or a short Spanish reason it is
// missing.
func forecastText(ctx context.Context, f Forecaster, loc places.LatLng, logger *slog.Logger) string {
	if f == nil {
		return "Pronóstico no disponible."
	}
	fc, err := f.Today(ctx, loc.Latitude, loc.Longitude)
	if err == nil {
		return fc.Summary()
	}

	var statusErr *weather.HTTPStatusError
	switch {
	case errors.Is(err, weather.ErrMissingKey):
		return "⚠️ Clima no disponible (falta WEATHER_API_KEY)."
	case errors.Is(err, weather.ErrNoForecast):
		return "No se encontró pronóstico del clima."
	case errors.As(err, &statusErr):
		if statusErr.Message != "" {
			return fmt.Sprintf("Clima no disponible (%d): %s", statusErr.StatusCode, statusErr.Message)
		}
		return fmt.Sprintf("Clima no disponible (%d).", statusErr.StatusCode)
	default:
		logger.Warn("weather lookup failed", "err", err)
		return "Pronóstico no disponible."
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func rating(r *float64) string {
	if r == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*r, 'f', -1, 64)
}
