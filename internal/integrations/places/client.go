// Package places is a minimal Google Places (New) text search client.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cale-agent/internal/domain"
)

const (
	defaultBaseURL = "https://places.googleapis.com"

	// FieldMaskFull requests everything the places listing renders.
	FieldMaskFull = "places.id,places.displayName,places.formattedAddress,places.rating,places.websiteUri,places.location"
	// FieldMaskLocation is enough to resolve a name to coordinates.
	FieldMaskLocation = "places.displayName,places.location"
)

// ErrMissingKey is returned before any network call when no API key is set.
var ErrMissingKey = errors.New("places: api key not configured")

type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Place struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"-"`
	FormattedAddress string   `json:"formattedAddress"`
	Rating           *float64 `json:"rating,omitempty"`
	WebsiteURI       string   `json:"websiteUri"`
	Location         *LatLng  `json:"location,omitempty"`
}

type searchRequest struct {
	TextQuery string `json:"textQuery"`
}

type searchResponse struct {
	Places []struct {
		Place
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
	} `json:"places"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("places: unexpected status %d: %s", e.StatusCode, e.Body)
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

// New creates a Client. An empty apiKey is allowed; searches then fail fast
// with ErrMissingKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchText runs a free-text search and returns the matches in ranking order.
func (c *Client) SearchText(ctx context.Context, query, fieldMask string) ([]Place, error) {
	if c.apiKey == "" {
		return nil, ErrMissingKey
	}
	if strings.TrimSpace(fieldMask) == "" {
		fieldMask = FieldMaskFull
	}

	body, err := json.Marshal(searchRequest{TextQuery: query})
	if err != nil {
		return nil, fmt.Errorf("places: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("places: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
		if domain.StatusIsTransient(res.StatusCode) {
			return nil, domain.NewError(domain.ErrorTransientUpstream, "places_status", statusErr)
		}
		return nil, domain.NewError(domain.ErrorPermanentUpstream, "places_status", statusErr)
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("places: decode response: %w", err)
	}

	out := make([]Place, 0, len(payload.Places))
	for _, p := range payload.Places {
		place := p.Place
		place.DisplayName = p.DisplayName.Text
		out = append(out, place)
	}
	return out, nil
}

// MapsURL links to the coordinates on Google Maps.
func MapsURL(loc LatLng) string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%v,%v", loc.Latitude, loc.Longitude)
}
