package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"eventmap/internal/model"
)

// Nominatim queries an OpenStreetMap Nominatim-compatible /search endpoint.
type Nominatim struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limiter   *rate.Limiter
}

// NewNominatim creates a client. ratePerSecond <= 0 disables client-side
// throttling; public Nominatim allows 1 request per second.
func NewNominatim(client *http.Client, endpoint, userAgent string, ratePerSecond float64) *Nominatim {
	if client == nil {
		client = http.DefaultClient
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Nominatim{
		client:    client,
		endpoint:  endpoint,
		userAgent: userAgent,
		limiter:   lim,
	}
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the best match for address.
func (n *Nominatim) Geocode(ctx context.Context, address string) (model.Coordinates, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return model.Coordinates{}, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	u, err := url.Parse(n.endpoint)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("creating geocode request: %w", err)
	}
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.Coordinates{}, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return model.Coordinates{}, fmt.Errorf("geocode returned status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return model.Coordinates{}, fmt.Errorf("decoding geocode response: %w", err)
	}
	if len(places) == 0 {
		return model.Coordinates{}, ErrNoResult
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("parsing lat %q: %w", places[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return model.Coordinates{}, fmt.Errorf("parsing lon %q: %w", places[0].Lon, err)
	}
	return model.Coordinates{Lat: lat, Lng: lng}, nil
}
