package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGeocoder calls a nominatim-shaped reverse geocoding endpoint.
type HTTPGeocoder struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGeocoder builds a geocoder against baseURL (expects a /reverse
// endpoint taking lat/lon query params and returning display_name).
func NewHTTPGeocoder(name, baseURL, apiKey string) *HTTPGeocoder {
	return &HTTPGeocoder{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (g *HTTPGeocoder) Name() string { return g.name }

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road   string `json:"road"`
		Suburb string `json:"suburb"`
		City   string `json:"city"`
	} `json:"address"`
}

// ReverseGeocode fetches the label for the coordinates.
func (g *HTTPGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lng))
	q.Set("format", "jsonv2")
	if g.apiKey != "" {
		q.Set("api_key", g.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s reverse geocode: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%s reverse geocode: status %d: %s", g.name, resp.StatusCode, body)
	}

	var parsed reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%s decode response: %w", g.name, err)
	}

	if parsed.Address.Road != "" && parsed.Address.City != "" {
		return parsed.Address.Road + ", " + parsed.Address.City, nil
	}
	if parsed.DisplayName == "" {
		return "", fmt.Errorf("%s returned empty label", g.name)
	}
	return parsed.DisplayName, nil
}
