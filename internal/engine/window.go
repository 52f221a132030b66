package engine

import "time"

// AlignWindow returns the [start, end) bucket of the given size that holds
// ts, in UTC.
func AlignWindow(ts time.Time, size time.Duration) (time.Time, time.Time) {
	if size < time.Second {
		size = time.Minute
	}
	start := ts.UTC().Truncate(size)
	return start, start.Add(size)
}
