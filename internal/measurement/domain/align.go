package measurement

import (
	"sort"
	"time"
)

// MinIntervalHours floors the inferred sampling interval (one second).
const MinIntervalHours = 1.0 / 3600.0

// DefaultIntervalHours is used when fewer than two timestamps exist.
const DefaultIntervalHours = 1.0

// Stamp ties a table row to its representative timestamp.
type Stamp struct {
	Row int
	At  time.Time
}

// Pair is one source row matched to its nearest sink row.
type Pair struct {
	Source  Stamp
	Sink    Stamp
	Matched bool
}

// MidTimes computes the midpoint between start and end for each row.
// Rows where either cell is not a timestamp are dropped and counted.
func MidTimes(t Table, startCol, endCol string) ([]Stamp, int) {
	startIdx := t.ColumnIndex(startCol)
	endIdx := t.ColumnIndex(endCol)
	stamps := make([]Stamp, 0, t.Len())
	dropped := 0
	for row := range t.Rows {
		start, err := ParseTimestamp(t.Cell(row, startIdx))
		if err != nil {
			dropped++
			continue
		}
		end, err := ParseTimestamp(t.Cell(row, endIdx))
		if err != nil {
			dropped++
			continue
		}
		stamps = append(stamps, Stamp{Row: row, At: start.Add(end.Sub(start) / 2)})
	}
	return stamps, dropped
}

// SortStamps orders stamps by time, keeping sheet order for equal times.
func SortStamps(stamps []Stamp) {
	sort.SliceStable(stamps, func(i, j int) bool { return stamps[i].At.Before(stamps[j].At) })
}

// MergeNearest pairs every source stamp with the sink stamp closest in time.
// Both slices are sorted in place. On equal distance the earlier sink stamp wins.
// The result has exactly one pair per source stamp, in ascending time.
func MergeNearest(source, sink []Stamp) []Pair {
	SortStamps(source)
	SortStamps(sink)

	pairs := make([]Pair, 0, len(source))
	for _, src := range source {
		pair := Pair{Source: src}
		if idx, ok := nearestIndex(sink, src.At); ok {
			pair.Sink = sink[idx]
			pair.Matched = true
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func nearestIndex(sorted []Stamp, at time.Time) (int, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	after := sort.Search(len(sorted), func(i int) bool { return !sorted[i].At.Before(at) })
	best := after
	switch {
	case after == len(sorted):
		best = after - 1
	case after > 0:
		before := after - 1
		if at.Sub(sorted[before].At) <= sorted[after].At.Sub(at) {
			best = before
		}
	}
	for best > 0 && sorted[best-1].At.Equal(sorted[best].At) {
		best--
	}
	return best, true
}

// InferIntervalHours returns the median spacing of the timestamps in hours,
// floored at MinIntervalHours.
func InferIntervalHours(times []time.Time) float64 {
	if len(times) < 2 {
		return DefaultIntervalHours
	}
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	diffs := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		diffs = append(diffs, sorted[i].Sub(sorted[i-1]).Hours())
	}
	interval := Median(diffs)
	if interval < MinIntervalHours {
		return MinIntervalHours
	}
	return interval
}

// Median of the values; the input is not modified. Returns 0 for no values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
