package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"cale-agent/internal/domain"
	"cale-agent/internal/integrations/places"
)

// Weather resolves a place by name and reports today's forecast there.
type Weather struct {
	search     PlaceSearcher
	weather    Forecaster
	citySuffix string
	logger     *slog.Logger
}

func NewWeather(search PlaceSearcher, forecaster Forecaster, citySuffix string, logger *slog.Logger) *Weather {
	if citySuffix == "" {
		citySuffix = defaultCitySuffix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Weather{search: search, weather: forecaster, citySuffix: citySuffix, logger: logger}
}

func (t *Weather) ID() domain.ToolID { return domain.ToolWeather }

func (t *Weather) Description() string {
	return "Devuelve el pronóstico del clima para hoy en un lugar específico de Cali."
}

func (t *Weather) Invoke(ctx context.Context, input string) string {
	if t.search == nil {
		return "No logré obtener el clima del lugar."
	}
	found, err := t.search.SearchText(ctx, strings.TrimSpace(input)+t.citySuffix, places.FieldMaskLocation)
	if err != nil {
		if !errors.Is(err, places.ErrMissingKey) {
			t.logger.Warn("weather place lookup failed", "err", err)
		}
		return "No logré obtener el clima del lugar."
	}
	if len(found) == 0 {
		return "No encontré ese lugar para consultar su clima."
	}
	first := found[0]
	if first.Location == nil {
		return "No pude obtener coordenadas de ese lugar."
	}

	name := first.DisplayName
	if strings.TrimSpace(name) == "" {
		name = "Lugar"
	}
	return "☀️ Pronóstico para hoy en " + name + ": " + forecastText(ctx, t.weather, *first.Location, t.logger)
}
