package entity

import (
	"cmp"
	"slices"
)

// TraceEvent is one state-touching call against a contract, as reported by
// the chain node's trace subsystem. Index is the event's position in the
// node's response, which follows chain order.
type TraceEvent struct {
	Index               int
	BlockNumber         uint64
	TransactionHash     string
	TransactionPosition int
	TraceAddress        []int
}

// TimeSeriesPoint is one observation of a variable. Time is milliseconds
// since the epoch; Value is a decimal string so 256-bit values survive JSON.
type TimeSeriesPoint struct {
	Time  int64  `json:"time"`
	Value string `json:"val"`
}

// HistorySeries is ordered by ascending Time with no repeated Time.
type HistorySeries []TimeSeriesPoint

// Sample is a resolved point together with the index of the event it was
// sampled for.
type Sample struct {
	EventIndex int
	Point      TimeSeriesPoint
}

// BuildSeries collapses samples sharing a timestamp into one point, keeping
// the sample with the highest EventIndex, then sorts ascending by time.
// The input order does not matter.
func BuildSeries(samples []Sample) HistorySeries {
	latest := make(map[int64]Sample, len(samples))
	for _, s := range samples {
		cur, ok := latest[s.Point.Time]
		if !ok || s.EventIndex > cur.EventIndex {
			latest[s.Point.Time] = s
		}
	}

	series := make(HistorySeries, 0, len(latest))
	for _, s := range latest {
		series = append(series, s.Point)
	}
	slices.SortFunc(series, func(a, b TimeSeriesPoint) int {
		return cmp.Compare(a.Time, b.Time)
	})
	return series
}
