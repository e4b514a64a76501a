package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	"eventmap/internal/config"
	appLog "eventmap/internal/log"
	"eventmap/internal/model"
)

// Runner runs one ingestion cycle.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Snapshot is the event collection currently published to consumers.
type Snapshot struct {
	Seq       uint64                `json:"seq"`
	Events    []model.GeocodedEvent `json:"-"`
	Feeds     []FeedReport          `json:"feeds"`
	Fallback  bool                  `json:"fallback"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Service sits one level above the pipeline: it substitutes the fallback
// dataset on total failure and publishes the newest completed snapshot.
type Service struct {
	runner   Runner
	fallback []model.GeocodedEvent

	mu          sync.RWMutex
	latest      *Snapshot
	subscribers []func(Snapshot)
}

// NewService creates a Service.
func NewService(r Runner, fallback []model.GeocodedEvent) *Service {
	return &Service{runner: r, fallback: fallback}
}

// Subscribe registers fn to receive every snapshot that becomes current.
func (s *Service) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Refresh runs one cycle and publishes its snapshot unless a newer cycle
// has already been published. The returned bool reports whether the
// snapshot became current.
func (s *Service) Refresh(ctx context.Context) (Snapshot, bool, error) {
	res, err := s.runner.Run(ctx)

	snap := Snapshot{
		Seq:       res.Seq,
		Events:    res.Events,
		Feeds:     res.Feeds,
		UpdatedAt: res.FinishedAt,
	}
	switch {
	case errors.Is(err, ErrTotalFailure):
		appLog.Info("substituting fallback dataset", "seq", res.Seq, "events", len(s.fallback))
		snap.Events = s.fallback
		snap.Fallback = true
	case err != nil:
		return snap, false, err
	}

	s.mu.Lock()
	if s.latest != nil && s.latest.Seq >= snap.Seq {
		s.mu.Unlock()
		appLog.Info("discarding stale cycle result", "seq", snap.Seq, "current", s.latest.Seq)
		return snap, false, nil
	}
	s.latest = &snap
	subs := append([]func(Snapshot){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap, true, nil
}

// Latest returns the current snapshot, if any cycle has completed.
func (s *Service) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// FallbackEvents builds the static demo dataset from configuration.
// Start strings are parsed with dateparse in loc.
func FallbackEvents(entries []config.FallbackEvent, loc *time.Location) ([]model.GeocodedEvent, error) {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]model.GeocodedEvent, 0, len(entries))
	for i, e := range entries {
		start, err := dateparse.ParseIn(e.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("fallback event %d (%s): %w", i, e.Name, err)
		}
		start = start.In(loc)
		ev := model.GeocodedEvent{
			NormalizedEvent: model.NormalizedEvent{
				Name:         e.Name,
				LocationText: e.Location,
				SourceFeedID: "fallback",
				URL:          e.URL,
				Start:        start,
				End:          start.Add(time.Hour),
			},
		}
		if e.Lat != 0 || e.Lng != 0 {
			ev.Coords = &model.Coordinates{Lat: e.Lat, Lng: e.Lng}
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
