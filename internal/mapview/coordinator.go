package mapview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	appLog "eventmap/internal/log"
	"eventmap/internal/model"
)

var (
	// ErrUnknownEvent means the key is not part of the applied collection.
	ErrUnknownEvent = errors.New("mapview: unknown event")
	// ErrNoCoordinates means the event exists but was never placed.
	ErrNoCoordinates = errors.New("mapview: event has no coordinates")
)

const defaultSelectZoom = 18

// Venue is a fixed marker that is placed once and survives Apply.
type Venue struct {
	Name        string
	Address     string
	Description string
	URL         string
	Coords      model.Coordinates
}

// VenueKey returns the registry key of a venue marker.
func VenueKey(name string) model.EventKey {
	return model.EventKey("venue:" + strings.ToLower(strings.Join(strings.Fields(name), "-")))
}

type entry struct {
	key     model.EventKey
	kind    MarkerKind
	coords  model.Coordinates
	marker  MarkerID
	popup   PopupID // empty until first opened
	content PopupContent
	// stale is set when content changed while the popup existed; the popup
	// is rebuilt on its next open.
	stale bool
}

// Coordinator owns the marker/popup registry for one Surface.
//
// All methods are safe for concurrent use. A single mutex serializes
// transitions, so every transition runs to completion before the next one
// observes state.
type Coordinator struct {
	surface    Surface
	selectZoom float64
	loc        *time.Location

	mu       sync.Mutex
	entries  map[model.EventKey]*entry
	byMarker map[MarkerID]model.EventKey
	byPopup  map[PopupID]model.EventKey
	unplaced map[model.EventKey]struct{}
	open     model.EventKey // empty when no popup is open
	lastSeq  uint64
	applied  bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSelectZoom sets the zoom used when flying to a selected event.
func WithSelectZoom(z float64) Option {
	return func(c *Coordinator) {
		if z > 0 {
			c.selectZoom = z
		}
	}
}

// WithLocation sets the timezone used for popup dates.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewCoordinator creates a Coordinator driving s.
func NewCoordinator(s Surface, opts ...Option) *Coordinator {
	c := &Coordinator{
		surface:    s,
		selectZoom: defaultSelectZoom,
		loc:        time.UTC,
		entries:    make(map[model.EventKey]*entry),
		byMarker:   make(map[MarkerID]model.EventKey),
		byPopup:    make(map[PopupID]model.EventKey),
		unplaced:   make(map[model.EventKey]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlaceVenues adds fixed venue markers. Venues already placed are left
// alone.
func (c *Coordinator) PlaceVenues(venues []Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range venues {
		key := VenueKey(v.Name)
		if _, ok := c.entries[key]; ok {
			continue
		}
		c.addLocked(key, KindVenue, v.Name, v.Coords, PopupContent{
			Title:       v.Name,
			Location:    v.Address,
			Description: v.Description,
			URL:         v.URL,
		})
	}
}

// Apply reconciles the registry with the collection produced by cycle seq.
// A collection whose seq is not newer than the last applied one is dropped
// and Apply returns false.
//
// Markers for events present before and after are left untouched. Markers
// for vanished events are removed, closing their popup first if it is the
// open one. Events without coordinates are tracked but never placed.
func (c *Coordinator) Apply(seq uint64, events []model.GeocodedEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.applied && seq <= c.lastSeq {
		appLog.Info("mapview: stale collection dropped", "seq", seq, "applied", c.lastSeq)
		return false
	}

	next := make(map[model.EventKey]model.GeocodedEvent, len(events))
	order := make([]model.EventKey, 0, len(events))
	unplaced := make(map[model.EventKey]struct{})
	for _, ev := range events {
		k := ev.Key()
		if !ev.HasCoords() {
			unplaced[k] = struct{}{}
			continue
		}
		if _, dup := next[k]; dup {
			continue
		}
		next[k] = ev
		order = append(order, k)
	}

	removed := 0
	for k, e := range c.entries {
		if e.kind == KindVenue {
			continue
		}
		ev, keep := next[k]
		if keep && ev.Coords != nil && *ev.Coords == e.coords {
			continue
		}
		c.removeLocked(e)
		removed++
	}

	added := 0
	for _, k := range order {
		ev := next[k]
		content := c.popupContent(ev)
		if e, ok := c.entries[k]; ok {
			if e.content != content {
				e.content = content
				c.invalidatePopupLocked(e)
			}
			continue
		}
		c.addLocked(k, KindEvent, ev.Name, *ev.Coords, content)
		added++
	}

	c.unplaced = unplaced
	c.lastSeq = seq
	c.applied = true

	appLog.Debug("mapview: applied", "seq", seq, "added", added, "removed", removed, "markers", len(c.entries))
	return true
}

// Select flies to the event and opens its popup, closing any other popup
// first.
func (c *Coordinator) Select(key model.EventKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(key)
	if err != nil {
		return err
	}
	c.openLocked(e, true)
	return nil
}

// MarkerClicked opens the popup of a marker the user clicked, without
// moving the camera.
func (c *Coordinator) MarkerClicked(key model.EventKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(key)
	if err != nil {
		return err
	}
	c.openLocked(e, false)
	return nil
}

// CloseAll closes whatever popup is open. Calling it with nothing open is
// a no-op.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != "" {
		if e, ok := c.entries[c.open]; ok && e.popup != "" {
			c.surface.ClosePopup(e.popup)
		}
		c.open = ""
	}
}

// OpenPopup reports which event's popup is currently open.
func (c *Coordinator) OpenPopup() (model.EventKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.open != ""
}

// Len returns the number of placed markers, venues included.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// LastSeq returns the sequence number of the last applied collection.
func (c *Coordinator) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// HandleSurfaceEvent folds a user-interaction notification into state.
func (c *Coordinator) HandleSurfaceEvent(ev SurfaceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case PopupClosed:
		key, ok := c.byPopup[ev.Popup]
		if !ok {
			return
		}
		// A dismissal queued before the popup was reopened is stale.
		if r, ok := c.surface.(openReporter); ok && r.PopupOpen(ev.Popup) {
			return
		}
		if c.open == key {
			c.open = ""
		}
	case MarkerClicked:
		key, ok := c.byMarker[ev.Marker]
		if !ok {
			return
		}
		if e, ok := c.entries[key]; ok {
			c.openLocked(e, false)
		}
	default:
		appLog.Warn("mapview: unknown surface event", "kind", ev.Kind.String())
	}
}

// Listen consumes surface notifications until ctx is done or events is
// closed.
func (c *Coordinator) Listen(ctx context.Context, events <-chan SurfaceEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleSurfaceEvent(ev)
		}
	}
}

func (c *Coordinator) lookupLocked(key model.EventKey) (*entry, error) {
	if e, ok := c.entries[key]; ok {
		return e, nil
	}
	if _, ok := c.unplaced[key]; ok {
		return nil, ErrNoCoordinates
	}
	return nil, ErrUnknownEvent
}

func (c *Coordinator) addLocked(key model.EventKey, kind MarkerKind, title string, coords model.Coordinates, content PopupContent) {
	id := c.surface.AddMarker(MarkerSpec{Key: key, Kind: kind, Title: title, Coords: coords})
	c.entries[key] = &entry{key: key, kind: kind, coords: coords, marker: id, content: content}
	c.byMarker[id] = key
}

func (c *Coordinator) removeLocked(e *entry) {
	if c.open == e.key {
		c.surface.ClosePopup(e.popup)
		c.open = ""
	}
	if e.popup != "" {
		c.surface.DetachPopup(e.popup)
		delete(c.byPopup, e.popup)
	}
	c.surface.RemoveMarker(e.marker)
	delete(c.byMarker, e.marker)
	delete(c.entries, e.key)
}

func (c *Coordinator) invalidatePopupLocked(e *entry) {
	if e.popup == "" {
		return
	}
	if c.open == e.key {
		e.stale = true
		return
	}
	c.surface.DetachPopup(e.popup)
	delete(c.byPopup, e.popup)
	e.popup = ""
	e.stale = false
}

// openLocked makes e the single open popup.
func (c *Coordinator) openLocked(e *entry, fly bool) {
	if c.open != "" && c.open != e.key {
		if cur, ok := c.entries[c.open]; ok && cur.popup != "" {
			c.surface.ClosePopup(cur.popup)
		}
		c.open = ""
	}

	if fly {
		c.surface.FlyTo(e.coords, c.selectZoom)
	}

	if e.stale && e.popup != "" {
		c.surface.ClosePopup(e.popup)
		c.surface.DetachPopup(e.popup)
		delete(c.byPopup, e.popup)
		e.popup = ""
		e.stale = false
	}
	if e.popup == "" {
		e.popup = c.surface.AttachPopup(e.marker, e.content)
		c.byPopup[e.popup] = e.key
	}
	c.surface.OpenPopup(e.popup)
	c.open = e.key
}

func (c *Coordinator) popupContent(ev model.GeocodedEvent) PopupContent {
	return PopupContent{
		Title:       ev.Name,
		When:        FormatWhen(ev.NormalizedEvent, c.loc),
		Location:    ev.LocationText,
		Description: ev.Description,
		URL:         ev.URL,
	}
}

// FormatWhen renders the start of ev for display in loc.
func FormatWhen(ev model.NormalizedEvent, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	start := ev.Start.In(loc)
	if ev.AllDay {
		return start.Format("Mon, Jan 2 2006") + " (all day)"
	}
	return start.Format("Mon, Jan 2 2006 15:04 MST")
}
