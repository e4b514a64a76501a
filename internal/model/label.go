package model

import (
	"fmt"
	"time"
)

// DayLabel returns a short relative label for start as seen from now:
// "Past Event", "Today", "Tomorrow", "In N days" up to a week out, and a
// plain date after that. Days are calendar days in start's location.
func DayLabel(now, start time.Time) string {
	now = now.In(start.Location())
	days := calendarDays(now, start)
	switch {
	case days < 0:
		return "Past Event"
	case days == 0:
		return "Today"
	case days == 1:
		return "Tomorrow"
	case days <= 7:
		return fmt.Sprintf("In %d days", days)
	}
	if start.Year() != now.Year() {
		return start.Format("Jan 2, 2006")
	}
	return start.Format("Jan 2")
}

func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
