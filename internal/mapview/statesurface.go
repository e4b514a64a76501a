package mapview

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"eventmap/internal/model"
)

// Camera is the viewport of a surface.
type Camera struct {
	Center model.Coordinates `json:"center"`
	Zoom   float64           `json:"zoom"`
}

// PopupView is the rendered state of one popup.
type PopupView struct {
	ID      PopupID      `json:"id"`
	Open    bool         `json:"open"`
	Content PopupContent `json:"content"`
}

// MarkerView is the rendered state of one marker.
type MarkerView struct {
	ID MarkerID `json:"id"`
	MarkerSpec
	Popup *PopupView `json:"popup,omitempty"`
}

// MapState is a point-in-time copy of a StateSurface.
type MapState struct {
	Camera  Camera       `json:"camera"`
	Markers []MarkerView `json:"markers"`
}

type stateMarker struct {
	spec  MarkerSpec
	order uint64
}

type statePopup struct {
	marker  MarkerID
	content PopupContent
	open    bool
}

// StateSurface is an in-process Surface that records what a map would
// display. Browser clients render from its Snapshot and report user
// interaction back through Dismiss and Click.
type StateSurface struct {
	mu      sync.Mutex
	camera  Camera
	markers map[MarkerID]*stateMarker
	popups  map[PopupID]*statePopup
	counter uint64

	handlerMu sync.RWMutex
	handler   func(SurfaceEvent)

	events chan SurfaceEvent
}

// NewStateSurface creates a surface centered at center. buffer sizes the
// notification channel.
func NewStateSurface(center model.Coordinates, zoom float64, buffer int) *StateSurface {
	if buffer < 1 {
		buffer = 1
	}
	return &StateSurface{
		camera:  Camera{Center: center, Zoom: zoom},
		markers: make(map[MarkerID]*stateMarker),
		popups:  make(map[PopupID]*statePopup),
		events:  make(chan SurfaceEvent, buffer),
	}
}

// Events returns the channel of user-interaction notifications. Nothing is
// sent on it while a handler is registered.
func (s *StateSurface) Events() <-chan SurfaceEvent {
	return s.events
}

// SetHandler registers fn to receive notifications synchronously: Dismiss
// and Click return only after fn has run. A nil fn restores channel
// delivery.
func (s *StateSurface) SetHandler(fn func(SurfaceEvent)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

// PopupOpen reports whether the popup is currently displayed.
func (s *StateSurface) PopupOpen(id PopupID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.popups[id]
	return ok && p.open
}

func (s *StateSurface) AddMarker(spec MarkerSpec) MarkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := MarkerID(uuid.NewString())
	s.counter++
	s.markers[id] = &stateMarker{spec: spec, order: s.counter}
	return id
}

func (s *StateSurface) RemoveMarker(id MarkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, id)
	for pid, p := range s.popups {
		if p.marker == id {
			delete(s.popups, pid)
		}
	}
}

func (s *StateSurface) AttachPopup(marker MarkerID, content PopupContent) PopupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := PopupID(uuid.NewString())
	s.popups[id] = &statePopup{marker: marker, content: content}
	return id
}

func (s *StateSurface) DetachPopup(id PopupID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.popups, id)
}

func (s *StateSurface) OpenPopup(id PopupID) {
	s.setOpen(id, true)
}

func (s *StateSurface) ClosePopup(id PopupID) {
	s.setOpen(id, false)
}

func (s *StateSurface) setOpen(id PopupID, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.popups[id]; ok {
		p.open = open
	}
}

func (s *StateSurface) FlyTo(center model.Coordinates, zoom float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = Camera{Center: center, Zoom: zoom}
}

// Dismiss closes a popup as if the user pressed its close control, and
// notifies listeners. It reports false if the popup is unknown.
func (s *StateSurface) Dismiss(ctx context.Context, id PopupID) (bool, error) {
	s.mu.Lock()
	p, ok := s.popups[id]
	if ok {
		p.open = false
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.emit(ctx, SurfaceEvent{Kind: PopupClosed, Popup: id})
}

// Click reports a user click on a marker. It reports false if the marker
// is unknown.
func (s *StateSurface) Click(ctx context.Context, id MarkerID) (bool, error) {
	s.mu.Lock()
	_, ok := s.markers[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.emit(ctx, SurfaceEvent{Kind: MarkerClicked, Marker: id})
}

// emit must not be called with s.mu held; the handler calls back into the
// surface.
func (s *StateSurface) emit(ctx context.Context, ev SurfaceEvent) error {
	s.handlerMu.RLock()
	fn := s.handler
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(ev)
		return nil
	}

	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenCount returns how many popups are currently displayed.
func (s *StateSurface) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.popups {
		if p.open {
			n++
		}
	}
	return n
}

// Snapshot copies the current state, markers in placement order.
func (s *StateSurface) Snapshot() MapState {
	s.mu.Lock()
	defer s.mu.Unlock()

	popupOf := make(map[MarkerID]*PopupView, len(s.popups))
	for id, p := range s.popups {
		popupOf[p.marker] = &PopupView{ID: id, Open: p.open, Content: p.content}
	}

	type ordered struct {
		view  MarkerView
		order uint64
	}
	list := make([]ordered, 0, len(s.markers))
	for id, m := range s.markers {
		list = append(list, ordered{
			view:  MarkerView{ID: id, MarkerSpec: m.spec, Popup: popupOf[id]},
			order: m.order,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })

	st := MapState{Camera: s.camera, Markers: make([]MarkerView, len(list))}
	for i, o := range list {
		st.Markers[i] = o.view
	}
	return st
}
