package timeline

import (
	"cmp"
	"slices"
)

// Merge concatenates the per-track slices in track order and stable-sorts
// them by time, so events at equal times keep their encounter order.
func Merge(tracks [][]Event) []Event {
	n := 0
	for _, tr := range tracks {
		n += len(tr)
	}
	out := make([]Event, 0, n)
	for _, tr := range tracks {
		out = append(out, tr...)
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		return cmp.Compare(a.TimeUS, b.TimeUS)
	})
	return out
}
