package geocode

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmap/internal/model"
)

// countingGeocoder resolves every address to a fixed point unless it is
// listed in fail, and counts calls per normalized address.
type countingGeocoder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	delay time.Duration
}

func newCounting() *countingGeocoder {
	return &countingGeocoder{calls: map[string]int{}, fail: map[string]bool{}}
}

func (g *countingGeocoder) Geocode(ctx context.Context, address string) (model.Coordinates, error) {
	key := NormalizeAddress(address)
	g.mu.Lock()
	g.calls[key]++
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return model.Coordinates{}, ctx.Err()
		}
	}
	if g.fail[key] {
		return model.Coordinates{}, ErrNoResult
	}
	return model.Coordinates{Lat: 12.9, Lng: 77.6}, nil
}

func (g *countingGeocoder) count(address string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[NormalizeAddress(address)]
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"300 4th St, San Francisco", "300 4th st, san francisco"},
		{"  300  4th St,\tSan Francisco.  ", "300 4th st, san francisco"},
		{"ZO HOUSE\nKoramangala!!", "zo house koramangala"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAddress(tt.in), tt.in)
	}
}

func TestResolve_CacheHitSkipsExternalCall(t *testing.T) {
	g := newCounting()
	r := NewResolver(g)
	ctx := context.Background()

	c1, ok := r.Resolve(ctx, "Zo House, Koramangala")
	require.True(t, ok)
	c2, ok := r.Resolve(ctx, "  zo house,   KORAMANGALA ")
	require.True(t, ok)

	assert.Equal(t, c1, c2)
	assert.Equal(t, 1, g.count("zo house, koramangala"))
	assert.EqualValues(t, 1, r.Calls())
	assert.Equal(t, 1, r.Len())
}

func TestResolve_FailureIsNotFatalAndNotCached(t *testing.T) {
	g := newCounting()
	g.fail["nowhere"] = true
	r := NewResolver(g)
	ctx := context.Background()

	_, ok := r.Resolve(ctx, "Nowhere")
	assert.False(t, ok)
	_, ok = r.Resolve(ctx, "Nowhere")
	assert.False(t, ok)

	assert.Equal(t, 2, g.count("nowhere"), "failures are retried on later calls")
	assert.Equal(t, 0, r.Len())
}

func TestResolve_EmptyAddress(t *testing.T) {
	g := newCounting()
	r := NewResolver(g)

	_, ok := r.Resolve(context.Background(), "   ")
	assert.False(t, ok)
	assert.EqualValues(t, 0, r.Calls())
}

func TestResolve_Timeout(t *testing.T) {
	g := newCounting()
	g.delay = 5 * time.Second
	r := NewResolver(g, WithLookupTimeout(20*time.Millisecond))

	start := time.Now()
	_, ok := r.Resolve(context.Background(), "Slow Street")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolve_CoalescesConcurrentDuplicates(t *testing.T) {
	g := newCounting()
	g.delay = 50 * time.Millisecond
	r := NewResolver(g)

	var (
		wg       sync.WaitGroup
		resolved atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Resolve(context.Background(), "300 4th St"); ok {
				resolved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 20, resolved.Load())
	assert.Equal(t, 1, g.count("300 4th St"))
}

func TestResolve_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	g := newCounting()
	g.delay = 100 * time.Millisecond
	r := NewResolver(g)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() {
		_, ok := r.Resolve(ctx, "300 4th St")
		first <- ok
	}()
	require.Eventually(t, func() bool { return g.count("300 4th St") == 1 }, time.Second, time.Millisecond)

	second := make(chan bool, 1)
	go func() {
		_, ok := r.Resolve(context.Background(), "300 4th St")
		second <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.False(t, <-first, "cancelled caller gives up")
	assert.True(t, <-second, "waiter still gets the shared result")
	assert.Equal(t, 1, g.count("300 4th St"))
	assert.Equal(t, 1, r.Len())
}

func TestResolveAll_OneLookupPerAddressPerCycle(t *testing.T) {
	g := newCounting()
	g.fail["unknown place"] = true
	r := NewResolver(g)

	events := []model.NormalizedEvent{
		{Name: "a", LocationText: "Zo House SF"},
		{Name: "b", LocationText: "zo house sf"},
		{Name: "c", LocationText: "Unknown Place"},
		{Name: "d", LocationText: "unknown  place"},
		{Name: "e", LocationText: ""},
		{Name: "f", LocationText: "Whitefield"},
	}

	out := r.ResolveAll(context.Background(), events, 4)
	require.Len(t, out, len(events))

	for i, ev := range out {
		assert.Equal(t, events[i].Name, ev.Name, "order preserved")
	}
	assert.True(t, out[0].HasCoords())
	assert.True(t, out[1].HasCoords())
	assert.False(t, out[2].HasCoords())
	assert.False(t, out[3].HasCoords())
	assert.False(t, out[4].HasCoords())
	assert.True(t, out[5].HasCoords())

	assert.Equal(t, 1, g.count("zo house sf"))
	assert.Equal(t, 1, g.count("unknown place"))
	assert.Equal(t, 1, g.count("whitefield"))
	assert.EqualValues(t, 3, r.Calls())

	// A later cycle is served from cache for the resolved addresses.
	r.ResolveAll(context.Background(), events[:2], 4)
	assert.Equal(t, 1, g.count("zo house sf"))
}

func TestResolver_PersistsAndWarms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo", "cache.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g := newCounting()
	r := NewResolver(g, WithStore(store))
	_, ok := r.Resolve(context.Background(), "Koramangala, Bengaluru")
	require.True(t, ok)

	fresh := newCounting()
	r2 := NewResolver(fresh, WithStore(store))
	require.NoError(t, r2.Warm(context.Background()))

	c, ok := r2.Resolve(context.Background(), "koramangala, bengaluru")
	require.True(t, ok)
	assert.Equal(t, model.Coordinates{Lat: 12.9, Lng: 77.6}, c)
	assert.Equal(t, 0, fresh.count("koramangala, bengaluru"))
}

func TestStaticAndChain(t *testing.T) {
	static := NewStatic(map[string]model.Coordinates{
		"Zo House SF": {Lat: 37.78, Lng: -122.40},
	})

	c, err := static.Geocode(context.Background(), "zo house sf")
	require.NoError(t, err)
	assert.Equal(t, 37.78, c.Lat)

	_, err = static.Geocode(context.Background(), "zo house")
	assert.ErrorIs(t, err, ErrNoResult, "no partial matches")

	boom := errors.New("boom")
	chain := Chain{
		static,
		GeocoderFunc(func(context.Context, string) (model.Coordinates, error) {
			return model.Coordinates{}, boom
		}),
	}
	c, err = chain.Geocode(context.Background(), "Zo House SF")
	require.NoError(t, err)
	assert.Equal(t, -122.40, c.Lng)

	_, err = chain.Geocode(context.Background(), "elsewhere")
	assert.ErrorIs(t, err, boom)
}
