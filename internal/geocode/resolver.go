package geocode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	appLog "eventmap/internal/log"
	"eventmap/internal/model"
)

const defaultLookupTimeout = 10 * time.Second

// Store persists successful lookups across process restarts.
type Store interface {
	LoadAll(ctx context.Context) (map[string]model.Coordinates, error)
	Put(ctx context.Context, address string, c model.Coordinates) error
}

// Resolver is a caching front for a Geocoder.
//
// The in-memory cache is keyed by NormalizeAddress, only grows, and is
// never invalidated for the life of the Resolver. Failed lookups are not
// cached, so a later cycle retries them. Concurrent lookups of the same
// address share one external call.
type Resolver struct {
	geocoder Geocoder
	store    Store
	timeout  time.Duration

	mu    sync.RWMutex
	cache map[string]model.Coordinates

	group singleflight.Group
	calls atomic.Int64
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithStore enables write-through persistence.
func WithStore(s Store) ResolverOption {
	return func(r *Resolver) { r.store = s }
}

// WithLookupTimeout bounds each external lookup.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a Resolver over g.
func NewResolver(g Geocoder, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		geocoder: g,
		timeout:  defaultLookupTimeout,
		cache:    make(map[string]model.Coordinates),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Warm loads persisted entries into the in-memory cache.
func (r *Resolver) Warm(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for addr, c := range entries {
		r.cache[addr] = c
	}
	r.mu.Unlock()
	appLog.Info("geocode cache warmed", "entries", len(entries))
	return nil
}

// Resolve returns coordinates for text. The boolean is false when the
// address is empty or could not be resolved; that is never fatal.
func (r *Resolver) Resolve(ctx context.Context, text string) (model.Coordinates, bool) {
	key := NormalizeAddress(text)
	if key == "" {
		return model.Coordinates{}, false
	}

	if c, ok := r.cached(key); ok {
		return c, true
	}

	// The flight is shared with other callers, so it must not inherit this
	// caller's cancellation; the lookup timeout still bounds it.
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		// Another flight may have filled the cache between our miss and now.
		if c, ok := r.cached(key); ok {
			return c, nil
		}
		return r.lookup(flight, key, text)
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		appLog.Warn("geocode failed", "err", err, "address", text)
		return model.Coordinates{}, false
	}
	return v.(model.Coordinates), true
}

func (r *Resolver) lookup(ctx context.Context, key, text string) (model.Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.calls.Add(1)
	c, err := r.geocoder.Geocode(ctx, text)
	if err != nil {
		return model.Coordinates{}, err
	}

	r.mu.Lock()
	r.cache[key] = c
	r.mu.Unlock()

	if r.store != nil {
		// Persistence is best effort; the in-memory entry already serves.
		if err := r.store.Put(context.WithoutCancel(ctx), key, c); err != nil {
			appLog.Error("geocode cache persist failed", err, "address", text)
		}
	}
	appLog.Debug("geocode resolved", "address", text, "lat", c.Lat, "lng", c.Lng)
	return c, nil
}

func (r *Resolver) cached(key string) (model.Coordinates, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[key]
	return c, ok
}

// ResolveAll geocodes a batch of events. Each distinct normalized address
// is looked up at most once, with up to concurrency lookups in flight.
// Output preserves input order; unresolved events have nil Coords.
func (r *Resolver) ResolveAll(ctx context.Context, events []model.NormalizedEvent, concurrency int) []model.GeocodedEvent {
	if concurrency <= 0 {
		concurrency = 1
	}

	// First raw spelling per normalized address.
	addrs := make(map[string]string)
	for _, ev := range events {
		key := NormalizeAddress(ev.LocationText)
		if key == "" {
			continue
		}
		if _, ok := addrs[key]; !ok {
			addrs[key] = ev.LocationText
		}
	}

	var (
		mu       sync.Mutex
		resolved = make(map[string]model.Coordinates, len(addrs))
	)

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for key, raw := range addrs {
		key, raw := key, raw
		g.Go(func() error {
			if c, ok := r.Resolve(ctx, raw); ok {
				mu.Lock()
				resolved[key] = c
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.GeocodedEvent, len(events))
	for i, ev := range events {
		out[i] = model.GeocodedEvent{NormalizedEvent: ev}
		if c, ok := resolved[NormalizeAddress(ev.LocationText)]; ok {
			out[i].Coords = &c
		}
	}
	return out
}

// Len returns the number of cached addresses.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Calls returns how many external lookups have been issued.
func (r *Resolver) Calls() int64 {
	return r.calls.Load()
}
