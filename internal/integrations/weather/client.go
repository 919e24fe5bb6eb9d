// Package weather reads the daily forecast from the Google Weather API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cale-agent/internal/domain"
)

const defaultBaseURL = "https://weather.googleapis.com"

var (
	ErrMissingKey = errors.New("weather: api key not configured")
	ErrNoForecast = errors.New("weather: no forecast days in response")
)

// HTTPStatusError carries the upstream status and its error message, if any.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("weather: unexpected status %d: %s", e.StatusCode, e.Message)
}

// Forecast is today's forecast. Nil fields were absent upstream.
type Forecast struct {
	MinC      *float64
	MaxC      *float64
	Condition string
	WindKmh   *float64
}

// Summary renders "min°C - max°C | condition | viento N km/h", skipping
// whatever is missing.
func (f Forecast) Summary() string {
	var parts []string
	if f.MinC != nil && f.MaxC != nil {
		parts = append(parts, fmt.Sprintf("%s°C - %s°C", num(*f.MinC), num(*f.MaxC)))
	}
	if f.Condition != "" {
		parts = append(parts, f.Condition)
	}
	if f.WindKmh != nil {
		parts = append(parts, fmt.Sprintf("viento %s km/h", num(*f.WindKmh)))
	}
	if len(parts) == 0 {
		return "Pronóstico no disponible."
	}
	return strings.Join(parts, " | ")
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type degrees struct {
	Degrees *float64 `json:"degrees"`
}

type lookupResponse struct {
	ForecastDays []struct {
		MaxTemperature  *degrees `json:"maxTemperature"`
		MinTemperature  *degrees `json:"minTemperature"`
		DaytimeForecast *struct {
			WeatherCondition *struct {
				Description *struct {
					Text string `json:"text"`
				} `json:"description"`
			} `json:"weatherCondition"`
			Wind *struct {
				Speed *struct {
					Value *float64 `json:"value"`
				} `json:"speed"`
			} `json:"wind"`
		} `json:"daytimeForecast"`
	} `json:"forecastDays"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a Client. An empty apiKey is allowed; lookups then fail fast
// with ErrMissingKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Today fetches the one-day metric forecast for the coordinates.
func (c *Client) Today(ctx context.Context, lat, lng float64) (Forecast, error) {
	if c.apiKey == "" {
		return Forecast{}, ErrMissingKey
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("location.latitude", num(lat))
	q.Set("location.longitude", num(lng))
	q.Set("unitsSystem", "METRIC")
	q.Set("days", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast/days:lookup?"+q.Encode(), nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("weather: create request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error would echo the key back through the request URL.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return Forecast{}, fmt.Errorf("weather: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var er errorResponse
		_ = json.Unmarshal(buf, &er)
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, Message: er.Error.Message}
		if domain.StatusIsTransient(res.StatusCode) {
			return Forecast{}, domain.NewError(domain.ErrorTransientUpstream, "weather_status", statusErr)
		}
		return Forecast{}, domain.NewError(domain.ErrorPermanentUpstream, "weather_status", statusErr)
	}

	var payload lookupResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return Forecast{}, fmt.Errorf("weather: decode response: %w", err)
	}
	if len(payload.ForecastDays) == 0 {
		return Forecast{}, ErrNoForecast
	}

	day := payload.ForecastDays[0]
	var f Forecast
	if day.MinTemperature != nil {
		f.MinC = day.MinTemperature.Degrees
	}
	if day.MaxTemperature != nil {
		f.MaxC = day.MaxTemperature.Degrees
	}
	if d := day.DaytimeForecast; d != nil {
		if d.WeatherCondition != nil && d.WeatherCondition.Description != nil {
			f.Condition = d.WeatherCondition.Description.Text
		}
		if d.Wind != nil && d.Wind.Speed != nil {
			f.WindKmh = d.Wind.Speed.Value
		}
	}
	return f, nil
}
