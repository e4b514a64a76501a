package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Coordinates is a WGS 84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EventKey is the stable identity of a logical event occurrence. It is
// derived from (name, start, location text) only, so re-fetching the same
// feed yields the same keys.
type EventKey string

// NormalizedEvent is one concrete occurrence produced from a calendar feed
// (after recurrence expansion). It is treated as immutable once built.
type NormalizedEvent struct {
	Name         string
	Description  string
	LocationText string
	// SourceFeedID is the config feed ID this occurrence came from.
	SourceFeedID string
	URL          string

	AllDay bool
	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// Key returns the composite identity key of the event.
func (e NormalizedEvent) Key() EventKey {
	return MakeKey(e.Name, e.Start, e.LocationText)
}

// MakeKey hashes the identity triple. Start is compared as an instant, so the
// same time expressed in different zones produces the same key.
func MakeKey(name string, start time.Time, location string) EventKey {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0x1f})
	h.Write([]byte(start.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0x1f})
	h.Write([]byte(location))
	sum := h.Sum(nil)
	return EventKey(hex.EncodeToString(sum[:16]))
}

// GeocodedEvent is a NormalizedEvent plus the outcome of geocoding its
// location text. Coords is nil when the location could not be resolved;
// such events are kept for list views but never placed on the map.
type GeocodedEvent struct {
	NormalizedEvent
	Coords *Coordinates
}

// HasCoords reports whether the event can be placed on the map.
func (e GeocodedEvent) HasCoords() bool {
	return e.Coords != nil
}
