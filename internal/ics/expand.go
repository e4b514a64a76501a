package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "eventmap/internal/log"
	"eventmap/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.UTC is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the occurrences generated from an RRULE.
	// Non-recurring events are kept regardless of the window; filtering by
	// date is left to the presentation layer.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap on a single recurring event.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Window returns the expansion window [now-backfillDays, now+horizonDays].
func Window(now time.Time, backfillDays, horizonDays int) (time.Time, time.Time) {
	if backfillDays < 0 {
		backfillDays = 0
	}
	if horizonDays < 0 {
		horizonDays = 0
	}
	return now.AddDate(0, 0, -backfillDays), now.AddDate(0, 0, horizonDays)
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Events []model.NormalizedEvent
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete NormalizedEvents.
// It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence, bounded to the configured window
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics (re-anchored to midnight in the display zone)
//
// Output order is deterministic: by start time, then by order of first
// appearance in the feed.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID, remembering first appearance.
	var uidOrder []string
	seen := make(map[string]bool)
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if !seen[ev.UID] {
			seen[ev.UID] = true
			uidOrder = append(uidOrder, ev.UID)
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.NormalizedEvent, 0, len(events))

	for _, uid := range uidOrder {
		ov := overridesByUID[uid]
		bases := baseByUID[uid]

		// Orphan overrides (base not in this feed) still describe a real
		// occurrence; keep them as single events.
		if len(bases) == 0 {
			for _, o := range ov {
				out = append(out, makeOccurrence(o, o.Start, o.End, cfg.DisplayLocation))
			}
			continue
		}

		truncated := false
		for _, ev := range bases {
			occ, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				truncated = true
			}
			out = append(out, occ...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	result.Events = out
	return result, nil
}

// expandEvent expands a single base event with its possible overrides,
// returning occurrences and whether the cap was hit.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.NormalizedEvent, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.NormalizedEvent {
	baseStart := ev.Start
	baseEnd := ev.End

	// Apply any override whose RECURRENCE-ID matches this start.
	if o, ok := findOverrideForStart(overrides, baseStart); ok {
		baseStart = o.Start
		baseEnd = o.End
		ev = o
	}

	return []model.NormalizedEvent{makeOccurrence(ev, baseStart, baseEnd, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.NormalizedEvent, bool) {
	out := make([]model.NormalizedEvent, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		// A broken RRULE still leaves a valid first occurrence.
		appLog.Warn("expand: failed to parse RRULE; keeping DTSTART only", "err", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return expandSingleEvent(ev, overrides, cfg), false
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)

	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event duration so occurrences that
	// started before the window but are still running are included.
	dur := ev.End.Sub(ev.Start)
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)

	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)

		baseStart := occStart
		baseEnd := occEnd
		baseEv := ev

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			baseStart = o.Start
			baseEnd = o.End
			baseEv = o
		}

		out = append(out, makeOccurrence(baseEv, baseStart, baseEnd, cfg.DisplayLocation))
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID is the same
// instant as baseStart.
func findOverrideForStart(overrides []ParsedEvent, baseStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(baseStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeOccurrence converts a (possibly overridden) ParsedEvent plus a
// concrete start/end into a NormalizedEvent in displayLoc.
func makeOccurrence(ev ParsedEvent, start, end time.Time, displayLoc *time.Location) model.NormalizedEvent {
	if ev.AllDay {
		// All-day dates are floating: keep the calendar date, not the instant.
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, displayLoc)
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, displayLoc)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	} else {
		start = start.In(displayLoc)
		end = end.In(displayLoc)
	}

	return model.NormalizedEvent{
		Name:         ev.Summary,
		Description:  ev.Description,
		LocationText: ev.Location,
		SourceFeedID: ev.Source.ID,
		URL:          ev.URL,
		AllDay:       ev.AllDay,
		Start:        start,
		End:          end,
	}
}

// Normalize parses one feed body and expands it into NormalizedEvents.
// An unparseable document yields an error and no events.
func Normalize(src Source, body []byte, cfg ExpandConfig) ([]model.NormalizedEvent, error) {
	parsed, err := ParseICS(src, body)
	if err != nil {
		return nil, err
	}
	res, err := ExpandOccurrences(parsed, cfg)
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}
