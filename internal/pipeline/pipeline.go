// Package pipeline runs ingestion cycles: fetch every feed, normalize,
// geocode and merge into one ordered event collection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"eventmap/internal/ics"
	appLog "eventmap/internal/log"
	"eventmap/internal/model"
)

// ErrTotalFailure is returned when no feed produced a usable document in a
// cycle. The caller is expected to substitute the fallback dataset.
var ErrTotalFailure = errors.New("pipeline: every feed failed")

// Fetcher retrieves raw feed documents.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) []ics.FetchResult
}

// Resolver attaches coordinates to events.
type Resolver interface {
	ResolveAll(ctx context.Context, events []model.NormalizedEvent, concurrency int) []model.GeocodedEvent
}

// Options configures a Pipeline.
type Options struct {
	Sources  []ics.Source
	Fetcher  Fetcher
	Resolver Resolver

	// Location is the display timezone; nil means UTC.
	Location *time.Location
	// BackfillDays / HorizonDays bound recurrence expansion around now.
	BackfillDays int
	HorizonDays  int
	// MaxOccurrences caps expansion of one recurring event.
	MaxOccurrences int
	// GeocodeConcurrency bounds parallel geocode lookups.
	GeocodeConcurrency int

	Now func() time.Time
}

// FeedReport summarizes what one feed contributed to a cycle.
type FeedReport struct {
	FeedID    string `json:"feed_id"`
	Events    int    `json:"events"`
	FromCache bool   `json:"from_cache"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of one ingestion cycle.
type Result struct {
	// Seq increases by one for every started cycle.
	Seq        uint64
	Events     []model.GeocodedEvent
	Feeds      []FeedReport
	StartedAt  time.Time
	FinishedAt time.Time
}

// Pipeline runs ingestion cycles. It is safe to run cycles concurrently;
// each gets its own sequence number.
type Pipeline struct {
	opts Options
	seq  atomic.Uint64
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GeocodeConcurrency <= 0 {
		opts.GeocodeConcurrency = 1
	}
	return &Pipeline{opts: opts}
}

// Run executes one full cycle. Per-feed failures are isolated and reported
// in Result.Feeds. If no feed yields a usable document, Run returns the
// (empty) result together with ErrTotalFailure.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	res := Result{
		Seq:       p.seq.Add(1),
		StartedAt: p.opts.Now(),
	}
	appLog.Info("ingestion cycle start", "seq", res.Seq, "feeds", len(p.opts.Sources))

	now := res.StartedAt.In(p.opts.Location)
	from, to := ics.Window(now, p.opts.BackfillDays, p.opts.HorizonDays)
	expandCfg := ics.ExpandConfig{
		DisplayLocation:        p.opts.Location,
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: p.opts.MaxOccurrences,
	}

	fetched := p.opts.Fetcher.FetchAll(ctx, p.opts.Sources)

	perFeed := make([][]model.NormalizedEvent, len(fetched))
	res.Feeds = make([]FeedReport, len(fetched))
	usable := 0
	var errs []error

	for i, fr := range fetched {
		report := FeedReport{FeedID: fr.Source.ID, FromCache: fr.FromCache}
		if !fr.OK() {
			err := fr.Err
			if err == nil {
				err = fmt.Errorf("feed %s: empty document", fr.Source.ID)
			}
			report.Error = err.Error()
			errs = append(errs, err)
			res.Feeds[i] = report
			continue
		}

		events, err := ics.Normalize(fr.Source, fr.Body, expandCfg)
		if err != nil {
			report.Error = err.Error()
			errs = append(errs, fmt.Errorf("feed %s: %w", fr.Source.ID, err))
			res.Feeds[i] = report
			continue
		}

		usable++
		perFeed[i] = events
		report.Events = len(events)
		res.Feeds[i] = report
	}

	if usable == 0 {
		res.FinishedAt = p.opts.Now()
		appLog.Error("ingestion cycle: no usable feeds", errors.Join(errs...), "seq", res.Seq)
		return res, ErrTotalFailure
	}
	if len(errs) > 0 {
		appLog.Error("ingestion cycle: some feeds failed", errors.Join(errs...), "seq", res.Seq, "failed", len(errs))
	}

	// Geocode everything in one batch so an address shared across feeds
	// is looked up once.
	var all []model.NormalizedEvent
	for _, evs := range perFeed {
		all = append(all, evs...)
	}
	geocoded := p.opts.Resolver.ResolveAll(ctx, all, p.opts.GeocodeConcurrency)

	grouped := make([][]model.GeocodedEvent, len(perFeed))
	off := 0
	for i, evs := range perFeed {
		grouped[i] = geocoded[off : off+len(evs)]
		off += len(evs)
	}

	res.Events = Merge(grouped)
	res.FinishedAt = p.opts.Now()

	placed := 0
	for _, ev := range res.Events {
		if ev.HasCoords() {
			placed++
		}
	}
	appLog.Info("ingestion cycle done",
		"seq", res.Seq,
		"events", len(res.Events),
		"with_coords", placed,
		"usable_feeds", usable,
		"elapsed", res.FinishedAt.Sub(res.StartedAt).String(),
	)
	return res, nil
}
