package pipeline

import (
	"sort"

	"eventmap/internal/model"
)

// Merge combines per-feed event lists, given in feed configuration order,
// into one collection sorted ascending by start time.
//
// Events sharing an identity key (name, start, location text) collapse to
// the first one seen, so the earlier feed's URL and fields win. The sort is
// stable: equal start times keep first-seen order. Nothing is filtered by
// date here.
func Merge(perFeed [][]model.GeocodedEvent) []model.GeocodedEvent {
	total := 0
	for _, evs := range perFeed {
		total += len(evs)
	}

	seen := make(map[model.EventKey]struct{}, total)
	out := make([]model.GeocodedEvent, 0, total)

	for _, evs := range perFeed {
		for _, ev := range evs {
			k := ev.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
