package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmap/internal/config"
	"eventmap/internal/mapview"
	"eventmap/internal/model"
	"eventmap/internal/pipeline"
)

type fakeSnapshots struct {
	snap       pipeline.Snapshot
	has        bool
	refreshErr error
	refreshes  int
}

func (f *fakeSnapshots) Latest() (pipeline.Snapshot, bool) { return f.snap, f.has }

func (f *fakeSnapshots) Refresh(context.Context) (pipeline.Snapshot, bool, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return pipeline.Snapshot{}, false, f.refreshErr
	}
	f.snap.Seq++
	f.has = true
	return f.snap, true, nil
}

var (
	now    = time.Date(2025, 7, 20, 12, 0, 0, 0, time.UTC)
	placed = model.GeocodedEvent{
		NormalizedEvent: model.NormalizedEvent{
			Name: "Builders Night", LocationText: "Zo House, Koramangala", SourceFeedID: "blr",
			Start: now.Add(27 * time.Hour), End: now.Add(30 * time.Hour),
		},
		Coords: &model.Coordinates{Lat: 12.93, Lng: 77.63},
	}
	unplaced = model.GeocodedEvent{
		NormalizedEvent: model.NormalizedEvent{
			Name: "Secret Dinner", LocationText: "TBA", SourceFeedID: "sf",
			Start: now.Add(2 * time.Hour), End: now.Add(3 * time.Hour),
		},
	}
)

type fixture struct {
	srv     *httptest.Server
	snaps   *fakeSnapshots
	coord   *mapview.Coordinator
	surface *mapview.StateSurface
}

func setup(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	surface := mapview.NewStateSurface(model.Coordinates{Lat: 12.93, Lng: 77.63}, 12.5, 8)
	coord := mapview.NewCoordinator(surface)
	events := []model.GeocodedEvent{unplaced, placed}
	coord.Apply(1, events)
	surface.SetHandler(coord.HandleSurfaceEvent)

	snaps := &fakeSnapshots{snap: pipeline.Snapshot{
		Seq:    1,
		Events: events,
		Feeds:  []pipeline.FeedReport{{FeedID: "blr", Events: 1}, {FeedID: "sf", Events: 1}},
	}, has: true}

	s := NewServer(cfg, Deps{
		Snapshots:   snaps,
		Coordinator: coord,
		Surface:     surface,
		NextRefresh: func() time.Time { return now.Add(15 * time.Minute) },
		Now:         func() time.Time { return now },
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, snaps: snaps, coord: coord, surface: surface}
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := setup(t, nil)
	resp := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvents_ListsAllIncludingUnplaced(t *testing.T) {
	f := setup(t, nil)
	resp := f.do(t, http.MethodGet, "/api/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[eventsResponse](t, resp)
	assert.Equal(t, uint64(1), body.Seq)
	assert.False(t, body.Fallback)
	require.NotNil(t, body.NextRefresh)
	require.Len(t, body.Feeds, 2)
	require.Len(t, body.Events, 2)

	assert.Equal(t, "Secret Dinner", body.Events[0].Name)
	assert.Nil(t, body.Events[0].Coords)
	assert.Equal(t, "Today", body.Events[0].Label)
	assert.Equal(t, "Tomorrow", body.Events[1].Label)
	assert.Equal(t, placed.Key(), body.Events[1].Key)
}

func TestEvents_Search(t *testing.T) {
	f := setup(t, nil)
	body := decode[eventsResponse](t, f.do(t, http.MethodGet, "/api/events?q=koramangala"))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "Builders Night", body.Events[0].Name)
}

func TestEvents_NoSnapshotYet(t *testing.T) {
	f := setup(t, nil)
	f.snaps.has = false
	body := decode[eventsResponse](t, f.do(t, http.MethodGet, "/api/events"))
	assert.Empty(t, body.Events)
	assert.Zero(t, body.Seq)
}

func TestSelectAndCloseAll(t *testing.T) {
	f := setup(t, nil)

	resp := f.do(t, http.MethodPost, "/api/select?key="+string(placed.Key()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[mapResponse](t, resp)
	assert.Equal(t, placed.Key(), state.Open)
	assert.Equal(t, *placed.Coords, state.Camera.Center)
	require.Len(t, state.Markers, 1)
	require.NotNil(t, state.Markers[0].Popup)
	assert.True(t, state.Markers[0].Popup.Open)

	resp = f.do(t, http.MethodPost, "/api/close-all")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[mapResponse](t, resp)
	assert.Empty(t, state.Open)
	assert.False(t, state.Markers[0].Popup.Open)
}

func TestSelect_Errors(t *testing.T) {
	f := setup(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/select").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/select?key=nope").StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity,
		f.do(t, http.MethodPost, "/api/select?key="+string(unplaced.Key())).StatusCode)
}

func TestSurfaceRelays(t *testing.T) {
	f := setup(t, nil)
	state := decode[mapResponse](t, f.do(t, http.MethodGet, "/api/map"))
	require.Len(t, state.Markers, 1)
	marker := state.Markers[0].ID

	resp := f.do(t, http.MethodPost, "/api/markers/click?marker="+string(marker))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[mapResponse](t, resp)
	assert.Equal(t, placed.Key(), state.Open)
	popup := state.Markers[0].Popup
	require.NotNil(t, popup)
	assert.True(t, popup.Open)

	resp = f.do(t, http.MethodPost, "/api/popups/closed?popup="+string(popup.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[mapResponse](t, resp)
	assert.Empty(t, state.Open)
	assert.False(t, state.Markers[0].Popup.Open)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/markers/click?marker=x").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/popups/closed?popup=x").StatusCode)
}

func TestSelect_AfterDismissReopens(t *testing.T) {
	f := setup(t, nil)
	path := "/api/select?key=" + string(placed.Key())

	state := decode[mapResponse](t, f.do(t, http.MethodPost, path))
	popup := state.Markers[0].Popup
	require.NotNil(t, popup)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/popups/closed?popup="+string(popup.ID)).StatusCode)

	state = decode[mapResponse](t, f.do(t, http.MethodPost, path))
	assert.Equal(t, placed.Key(), state.Open)
	assert.True(t, state.Markers[0].Popup.Open)
	assert.Equal(t, 1, f.surface.OpenCount())
}

func TestEvents_CityFilter(t *testing.T) {
	f := setup(t, nil)
	at := func(name, location string) model.GeocodedEvent {
		return model.GeocodedEvent{NormalizedEvent: model.NormalizedEvent{
			Name: name, LocationText: location, Start: now.Add(time.Hour),
		}}
	}
	f.snaps.snap.Events = []model.GeocodedEvent{
		at("Koramangala Meetup", "Zo House, Koramangala, Bengaluru"),
		at("Hack Night", "Bangalore International Centre"),
		at("SoMa Demo", "300 4th St, San Francisco, CA"),
		at("Commons", "SF Commons"),
		at("Depot", "Transfer Station, Mumbai"),
	}

	names := func(path string) []string {
		resp := f.do(t, http.MethodGet, path)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out []string
		for _, ev := range decode[eventsResponse](t, resp).Events {
			out = append(out, ev.Name)
		}
		return out
	}

	assert.Equal(t, []string{"Koramangala Meetup", "Hack Night"}, names("/api/events?city=bangalore"))
	assert.Equal(t, []string{"SoMa Demo", "Commons"}, names("/api/events?city=SanFrancisco"))
	assert.Len(t, names("/api/events?city=all"), 5)
	assert.Equal(t, []string{"Hack Night"}, names("/api/events?city=bangalore&q=hack"))

	body := decode[eventsResponse](t, f.do(t, http.MethodGet, "/api/events?city=bangalore"))
	assert.Equal(t, "bangalore", body.City)
	assert.Equal(t, []regionDTO{{ID: "bangalore", Name: "Bangalore"}, {ID: "sanfrancisco", Name: "San Francisco"}}, body.Regions)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?city=tokyo").StatusCode)
}

func TestRefresh(t *testing.T) {
	f := setup(t, nil)
	resp := f.do(t, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, float64(2), body["seq"])
	assert.Equal(t, true, body["current"])
	assert.Equal(t, float64(2), body["events"])

	f.snaps.refreshErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/api/refresh").StatusCode)
}

func TestBasicAuth(t *testing.T) {
	f := setup(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "zo", Password: "house"}
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health").StatusCode)

	resp := f.do(t, http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.SetBasicAuth("zo", "house")
	ok, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestStaticAndUnknownAPI(t *testing.T) {
	f := setup(t, nil)
	resp := f.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/nothing").StatusCode)
}

func TestPreview(t *testing.T) {
	var dir string
	f := setup(t, func(c *config.Config) { dir = c.CacheDir })
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/preview.png").StatusCode)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "preview.png"), []byte("\x89PNG"), 0o644))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/preview.png").StatusCode)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
