package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"eventmap/internal/config"
	appLog "eventmap/internal/log"
	"eventmap/internal/mapview"
	"eventmap/internal/model"
	"eventmap/internal/pipeline"
)

// Snapshots is the view of the ingestion service the server needs.
type Snapshots interface {
	Latest() (pipeline.Snapshot, bool)
	Refresh(ctx context.Context) (pipeline.Snapshot, bool, error)
}

// Deps are the collaborators a Server drives.
type Deps struct {
	Snapshots   Snapshots
	Coordinator *mapview.Coordinator
	Surface     *mapview.StateSurface
	// NextRefresh reports the next scheduled cycle; optional.
	NextRefresh func() time.Time
	Now         func() time.Time
}

// Server exposes the event list, the map state and the selection entry
// points over HTTP.
type Server struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	mux  *http.ServeMux
}

//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  cfg.Location(),
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="eventmap", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/map", s.handleMap)
	s.mux.HandleFunc("POST /api/select", s.handleSelect)
	s.mux.HandleFunc("POST /api/close-all", s.handleCloseAll)
	s.mux.HandleFunc("POST /api/markers/click", s.handleMarkerClick)
	s.mux.HandleFunc("POST /api/popups/closed", s.handlePopupClosed)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)

	// Everything else is the embedded map page.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves the embedded map page from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		// Unknown /api/* paths are 404s, never HTML.
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// handlePreview serves the last map snapshot written by the snapshot
// command.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.cfg.CacheDir, "preview.png"))
}

// eventDTO is a JSON-friendly view of a GeocodedEvent.
type eventDTO struct {
	Key         model.EventKey     `json:"key"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Location    string             `json:"location"`
	URL         string             `json:"url,omitempty"`
	FeedID      string             `json:"feed_id"`
	AllDay      bool               `json:"all_day"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	Label       string             `json:"label"`
	When        string             `json:"when"`
	Coords      *model.Coordinates `json:"coords,omitempty"`
}

// regionDTO is one entry of the city selector.
type regionDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Seq             uint64                `json:"seq"`
	Fallback        bool                  `json:"fallback"`
	UpdatedAt       time.Time             `json:"updated_at"`
	NextRefresh     *time.Time            `json:"next_refresh,omitempty"`
	DisplayTimeZone string                `json:"display_timezone"`
	City            string                `json:"city"`
	Regions         []regionDTO           `json:"regions"`
	Feeds           []pipeline.FeedReport `json:"feeds"`
	Events          []eventDTO            `json:"events"`
}

// handleEvents returns the current merged collection, events without
// coordinates included.
//
// GET /api/events?q=term&city=id
//   - q: case-insensitive match on name, location or description
//   - city: a configured region id, or "all" (default)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	resp := eventsResponse{
		DisplayTimeZone: s.loc.String(),
		City:            "all",
		Regions:         make([]regionDTO, 0, len(s.cfg.Regions)),
		Feeds:           []pipeline.FeedReport{},
		Events:          []eventDTO{},
	}
	for _, rg := range s.cfg.Regions {
		resp.Regions = append(resp.Regions, regionDTO{ID: rg.ID, Name: rg.Name})
	}

	var region *config.RegionConfig
	if city := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("city"))); city != "" && city != "all" {
		for i := range s.cfg.Regions {
			if s.cfg.Regions[i].ID == city {
				region = &s.cfg.Regions[i]
			}
		}
		if region == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown city %q", city))
			return
		}
		resp.City = region.ID
	}
	if s.deps.NextRefresh != nil {
		if next := s.deps.NextRefresh(); !next.IsZero() {
			resp.NextRefresh = &next
		}
	}

	snap, ok := s.deps.Snapshots.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Seq = snap.Seq
	resp.Fallback = snap.Fallback
	resp.UpdatedAt = snap.UpdatedAt
	if snap.Feeds != nil {
		resp.Feeds = snap.Feeds
	}

	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	now := s.deps.Now().In(s.loc)
	for _, ev := range snap.Events {
		if q != "" && !matches(ev, q) {
			continue
		}
		if region != nil && !inRegion(ev.LocationText, region.Aliases) {
			continue
		}
		resp.Events = append(resp.Events, eventDTO{
			Key:         ev.Key(),
			Name:        ev.Name,
			Description: ev.Description,
			Location:    ev.LocationText,
			URL:         ev.URL,
			FeedID:      ev.SourceFeedID,
			AllDay:      ev.AllDay,
			Start:       ev.Start,
			End:         ev.End,
			Label:       model.DayLabel(now, ev.Start.In(s.loc)),
			When:        mapview.FormatWhen(ev.NormalizedEvent, s.loc),
			Coords:      ev.Coords,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func matches(ev model.GeocodedEvent, q string) bool {
	return strings.Contains(strings.ToLower(ev.Name), q) ||
		strings.Contains(strings.ToLower(ev.LocationText), q) ||
		strings.Contains(strings.ToLower(ev.Description), q)
}

// inRegion reports whether location mentions one of aliases as a whole
// word or phrase, so "sf" matches "SF Commons" but not "Transfer St".
func inRegion(location string, aliases []string) bool {
	text := " " + words(location) + " "
	for _, a := range aliases {
		if w := words(a); w != "" && strings.Contains(text, " "+w+" ") {
			return true
		}
	}
	return false
}

func words(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// mapResponse is the JSON response shape for /api/map and the selection
// endpoints.
type mapResponse struct {
	mapview.MapState
	Open model.EventKey `json:"open,omitempty"`
}

func (s *Server) mapState() mapResponse {
	resp := mapResponse{MapState: s.deps.Surface.Snapshot()}
	if key, ok := s.deps.Coordinator.OpenPopup(); ok {
		resp.Open = key
	}
	if resp.Markers == nil {
		resp.Markers = []mapview.MarkerView{}
	}
	return resp
}

func (s *Server) handleMap(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mapState())
}

// handleSelect flies to an event and opens its popup.
//
// POST /api/select?key=<event key>
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	key := model.EventKey(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.deps.Coordinator.Select(key); err != nil {
		switch {
		case errors.Is(err, mapview.ErrUnknownEvent):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, mapview.ErrNoCoordinates):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.mapState())
}

func (s *Server) handleCloseAll(w http.ResponseWriter, _ *http.Request) {
	s.deps.Coordinator.CloseAll()
	writeJSON(w, http.StatusOK, s.mapState())
}

// handleMarkerClick relays a marker click from the page to the surface.
// The coordinator has handled it by the time the map state is written.
//
// POST /api/markers/click?marker=<marker id>
func (s *Server) handleMarkerClick(w http.ResponseWriter, r *http.Request) {
	id := mapview.MarkerID(r.URL.Query().Get("marker"))
	ok, err := s.deps.Surface.Click(r.Context(), id)
	s.writeRelay(w, ok, err, "unknown marker")
}

// handlePopupClosed relays a popup dismissal from the page to the surface.
//
// POST /api/popups/closed?popup=<popup id>
func (s *Server) handlePopupClosed(w http.ResponseWriter, r *http.Request) {
	id := mapview.PopupID(r.URL.Query().Get("popup"))
	ok, err := s.deps.Surface.Dismiss(r.Context(), id)
	s.writeRelay(w, ok, err, "unknown popup")
}

func (s *Server) writeRelay(w http.ResponseWriter, ok bool, err error, notFound string) {
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, notFound)
	default:
		writeJSON(w, http.StatusOK, s.mapState())
	}
}

// refreshResponse is the JSON response shape for /api/refresh.
type refreshResponse struct {
	pipeline.Snapshot
	Current bool `json:"current"`
	Events  int  `json:"events"`
}

// handleRefresh runs one ingestion cycle synchronously.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, current, err := s.deps.Snapshots.Refresh(r.Context())
	if err != nil {
		appLog.Error("manual refresh failed", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Snapshot: snap, Current: current, Events: len(snap.Events)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
