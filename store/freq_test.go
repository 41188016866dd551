package store

import "testing"

func seq(start, step int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*step
	}
	return out
}

func TestInferFrequency(t *testing.T) {
	cases := []struct {
		name    string
		ts      []int64
		binsize int64
		want    int64
	}{
		{"regular matches binsize", seq(0, 60, 20), 60, 60},
		{"binsize wins at 90 percent", append(seq(0, 300, 10), 3300), 300, 300},
		{"mode beats binsize", seq(0, 300, 11), 60, 300},
		{"mode clamped to 300", seq(0, 10, 11), 0, 300},
		{"no samples uses binsize", nil, 600, 600},
		{"no samples no binsize", []int64{42}, 0, 300},
	}
	for _, c := range cases {
		if got := InferFrequency(c.ts, c.binsize); got != c.want {
			t.Fatalf("Expected %d for %s, Got %d.", c.want, c.name, got)
		}
	}
}

func TestInferFrequencyNoMajority(t *testing.T) {
	// Diffs all different: no mode covers half, fall back to at least
	// five minutes.
	ts := []int64{0, 10, 50, 200, 1000}
	if got := InferFrequency(ts, 0); got != 300 {
		t.Fatalf("Expected fallback 300, Got %d.", got)
	}
	if got := InferFrequency(ts, 600); got != 600 {
		t.Fatalf("Expected requested binsize 600, Got %d.", got)
	}
}
