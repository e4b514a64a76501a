// Package geocode resolves free-text venue descriptions into coordinates.
package geocode

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"eventmap/internal/model"
)

var (
	// ErrNoResult means the service answered but knows no such place.
	ErrNoResult = errors.New("geocode: no result")
	// ErrRateLimited means the service refused the lookup (HTTP 429).
	ErrRateLimited = errors.New("geocode: rate limited")
)

// Geocoder turns an address into coordinates. Implementations are expected
// to fail occasionally; callers treat every error as "no coordinates".
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.Coordinates, error)
}

// GeocoderFunc adapts a function to the Geocoder interface.
type GeocoderFunc func(ctx context.Context, address string) (model.Coordinates, error)

func (f GeocoderFunc) Geocode(ctx context.Context, address string) (model.Coordinates, error) {
	return f(ctx, address)
}

// NormalizeAddress folds case and whitespace so trivially different
// spellings of one place share a cache entry.
func NormalizeAddress(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Static answers from a fixed table of known places. Lookups use the
// normalized address and must match exactly.
type Static struct {
	places map[string]model.Coordinates
}

// NewStatic builds a Static geocoder; keys are normalized on insert.
func NewStatic(places map[string]model.Coordinates) *Static {
	s := &Static{places: make(map[string]model.Coordinates, len(places))}
	for addr, c := range places {
		s.places[NormalizeAddress(addr)] = c
	}
	return s
}

func (s *Static) Geocode(_ context.Context, address string) (model.Coordinates, error) {
	if c, ok := s.places[NormalizeAddress(address)]; ok {
		return c, nil
	}
	return model.Coordinates{}, ErrNoResult
}

// Chain tries each geocoder in order and returns the first success.
type Chain []Geocoder

func (c Chain) Geocode(ctx context.Context, address string) (model.Coordinates, error) {
	err := ErrNoResult
	for _, g := range c {
		coords, gerr := g.Geocode(ctx, address)
		if gerr == nil {
			return coords, nil
		}
		err = gerr
		if ctx.Err() != nil {
			break
		}
	}
	return model.Coordinates{}, err
}
