package cli

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"eventmap/internal/config"
	"eventmap/internal/geocode"
	"eventmap/internal/ics"
	appLog "eventmap/internal/log"
	"eventmap/internal/mapview"
	"eventmap/internal/model"
	"eventmap/internal/pipeline"
)

// app holds the ingestion side of the program, shared by serve and once.
type app struct {
	cfg      *config.Config
	store    *geocode.SQLiteStore
	resolver *geocode.Resolver
	service  *pipeline.Service
}

// newApp wires fetcher, resolver, pipeline and service from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	places := make(map[string]model.Coordinates, len(cfg.Geocoder.KnownPlaces)+len(cfg.Map.Venues))
	for _, v := range cfg.Map.Venues {
		if v.Address != "" && (v.Lat != 0 || v.Lng != 0) {
			places[v.Address] = model.Coordinates{Lat: v.Lat, Lng: v.Lng}
		}
	}
	for _, p := range cfg.Geocoder.KnownPlaces {
		places[p.Address] = model.Coordinates{Lat: p.Lat, Lng: p.Lng}
	}
	chain := geocode.Chain{geocode.NewStatic(places)}
	if cfg.Geocoder.Endpoint != "" {
		chain = append(chain, geocode.NewNominatim(&http.Client{}, cfg.Geocoder.Endpoint, cfg.Geocoder.UserAgent, cfg.Geocoder.RatePerSecond))
	}

	opts := []geocode.ResolverOption{geocode.WithLookupTimeout(cfg.GeocodeTimeoutDuration())}
	if cfg.Geocoder.CacheDB != "" && cfg.Geocoder.CacheDB != "-" {
		store, err := geocode.OpenStore(cfg.Geocoder.CacheDB)
		if err != nil {
			return nil, fmt.Errorf("opening geocode cache: %w", err)
		}
		a.store = store
		opts = append(opts, geocode.WithStore(store))
	}
	a.resolver = geocode.NewResolver(chain, opts...)
	if err := a.resolver.Warm(ctx); err != nil {
		appLog.Error("geocode cache warm failed", err, "path", cfg.Geocoder.CacheDB)
	}

	sources := make([]ics.Source, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		sources = append(sources, ics.Source{ID: f.FeedID(), Name: f.Name, URL: f.URL})
	}
	fetcher := ics.NewFetcher(filepath.Join(cfg.CacheDir, "ics"), ics.WithTimeout(cfg.FetchTimeoutDuration()))

	p := pipeline.New(pipeline.Options{
		Sources:            sources,
		Fetcher:            fetcher,
		Resolver:           a.resolver,
		Location:           cfg.Location(),
		BackfillDays:       cfg.BackfillDays,
		HorizonDays:        cfg.HorizonDays,
		MaxOccurrences:     cfg.MaxOccurrences,
		GeocodeConcurrency: cfg.Geocoder.Concurrency,
	})

	fallback, err := pipeline.FallbackEvents(cfg.Fallback, cfg.Location())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("fallback events: %w", err)
	}
	a.service = pipeline.NewService(p, fallback)

	appLog.Info("app ready",
		"feeds", len(sources),
		"known_places", len(places),
		"cached_places", a.resolver.Len(),
		"fallback_events", len(fallback),
	)
	return a, nil
}

// venues resolves the configured fixed venues. Venues without explicit
// coordinates go through the resolver; unresolved ones are skipped.
func (a *app) venues(ctx context.Context) []mapview.Venue {
	out := make([]mapview.Venue, 0, len(a.cfg.Map.Venues))
	for _, v := range a.cfg.Map.Venues {
		c := model.Coordinates{Lat: v.Lat, Lng: v.Lng}
		if v.Lat == 0 && v.Lng == 0 {
			var ok bool
			if c, ok = a.resolver.Resolve(ctx, v.Address); !ok {
				appLog.Warn("venue not placed", "name", v.Name, "address", v.Address)
				continue
			}
		}
		out = append(out, mapview.Venue{
			Name:        v.Name,
			Address:     v.Address,
			Description: v.Description,
			URL:         v.URL,
			Coords:      c,
		})
	}
	return out
}

// Close releases the geocode store.
func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
