// Package mapview reconciles the merged event collection against a map
// rendering surface. It owns the marker and popup registry and keeps at
// most one popup open at any time.
package mapview

import (
	"eventmap/internal/model"
)

// MarkerID is an opaque handle issued by a Surface.
type MarkerID string

// PopupID is an opaque handle issued by a Surface.
type PopupID string

// MarkerKind distinguishes event markers from fixed venue markers.
type MarkerKind string

const (
	KindEvent MarkerKind = "event"
	KindVenue MarkerKind = "venue"
)

// MarkerSpec describes a marker to place.
type MarkerSpec struct {
	Key    model.EventKey    `json:"key"`
	Kind   MarkerKind        `json:"kind"`
	Title  string            `json:"title"`
	Coords model.Coordinates `json:"coords"`
}

// PopupContent holds the display fields bound to a popup.
type PopupContent struct {
	Title       string `json:"title"`
	When        string `json:"when,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Surface is the map rendering surface. Only the Coordinator calls it.
//
// ClosePopup and DetachPopup must tolerate handles that are already closed
// or detached.
type Surface interface {
	AddMarker(spec MarkerSpec) MarkerID
	RemoveMarker(id MarkerID)
	AttachPopup(marker MarkerID, content PopupContent) PopupID
	DetachPopup(id PopupID)
	OpenPopup(id PopupID)
	ClosePopup(id PopupID)
	FlyTo(center model.Coordinates, zoom float64)
}

// SurfaceEventKind enumerates notifications a surface emits on user
// interaction.
type SurfaceEventKind int

const (
	// PopupClosed: the user dismissed a popup on the surface itself.
	PopupClosed SurfaceEventKind = iota + 1
	// MarkerClicked: the user clicked a marker.
	MarkerClicked
)

func (k SurfaceEventKind) String() string {
	switch k {
	case PopupClosed:
		return "popup_closed"
	case MarkerClicked:
		return "marker_clicked"
	default:
		return "unknown"
	}
}

// SurfaceEvent is a user-interaction notification from a Surface.
type SurfaceEvent struct {
	Kind   SurfaceEventKind
	Popup  PopupID
	Marker MarkerID
}

// openReporter is implemented by surfaces that can report whether a popup
// is currently displayed.
type openReporter interface {
	PopupOpen(id PopupID) bool
}
