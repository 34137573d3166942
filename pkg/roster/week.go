package roster

import "time"

// Week is the Sunday-through-Saturday span that release slots and weekly
// credits are scoped to.
type Week struct {
	Start time.Time
	End   time.Time
}

// CurrentWeek returns the calendar week containing ref, evaluated in loc
// (UTC when nil). Start is that week's Sunday at 00:00:00 and End the
// following Saturday at 23:59:59, both in loc, so a fixed location keeps the
// boundary stable across offset changes. The releaseDay parameter is
// accepted for configuration symmetry but does not shift the window: the
// active policy always releases the week containing ref.
func CurrentWeek(releaseDay time.Weekday, ref time.Time, loc *time.Location) Week {
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	start := midnight.AddDate(0, 0, -int(local.Weekday()))
	end := start.AddDate(0, 0, 6).Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	return Week{Start: start, End: end}
}

// Key returns the date key identifying the week (its Sunday).
func (week Week) Key() string {
	return week.Start.Format(dateLayout)
}
