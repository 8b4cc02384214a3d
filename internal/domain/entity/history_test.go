package entity

import (
	"reflect"
	"testing"
)

func TestBuildSeries_DedupKeepsLastAndSorts(t *testing.T) {
	// Events resolve to timestamps [300, 100, 300, 200] with values [v0..v3].
	samples := []Sample{
		{EventIndex: 0, Point: TimeSeriesPoint{Time: 300, Value: "v0"}},
		{EventIndex: 1, Point: TimeSeriesPoint{Time: 100, Value: "v1"}},
		{EventIndex: 2, Point: TimeSeriesPoint{Time: 300, Value: "v2"}},
		{EventIndex: 3, Point: TimeSeriesPoint{Time: 200, Value: "v3"}},
	}

	got := BuildSeries(samples)
	want := HistorySeries{
		{Time: 100, Value: "v1"},
		{Time: 200, Value: "v3"},
		{Time: 300, Value: "v2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildSeries() = %v, want %v", got, want)
	}
}

func TestBuildSeries_IndependentOfInputOrder(t *testing.T) {
	a := []Sample{
		{EventIndex: 5, Point: TimeSeriesPoint{Time: 10, Value: "late"}},
		{EventIndex: 1, Point: TimeSeriesPoint{Time: 10, Value: "early"}},
		{EventIndex: 3, Point: TimeSeriesPoint{Time: 5, Value: "mid"}},
	}
	b := []Sample{a[2], a[1], a[0]}

	got1, got2 := BuildSeries(a), BuildSeries(b)
	if !reflect.DeepEqual(got1, got2) {
		t.Errorf("results differ by input order: %v vs %v", got1, got2)
	}
	if got1[1].Value != "late" {
		t.Errorf("expected highest event index to win, got %q", got1[1].Value)
	}
}

func TestBuildSeries_Empty(t *testing.T) {
	got := BuildSeries(nil)
	if got == nil {
		t.Fatal("expected empty non-nil series")
	}
	if len(got) != 0 {
		t.Errorf("expected 0 points, got %d", len(got))
	}
}

func TestBuildSeries_StrictlyIncreasing(t *testing.T) {
	var samples []Sample
	for i := 0; i < 50; i++ {
		samples = append(samples, Sample{EventIndex: i, Point: TimeSeriesPoint{Time: int64((i * 7) % 13)}})
	}

	got := BuildSeries(samples)
	for i := 1; i < len(got); i++ {
		if got[i].Time <= got[i-1].Time {
			t.Fatalf("series not strictly increasing at %d: %d after %d", i, got[i].Time, got[i-1].Time)
		}
	}
	if len(got) != 13 {
		t.Errorf("expected 13 distinct timestamps, got %d", len(got))
	}
}
