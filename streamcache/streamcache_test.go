package streamcache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/wanduow/nntsc/streamcache"
)

type fakeFetcher struct {
	spans map[int][2]int64
	calls int
	fail  bool
}

func (f *fakeFetcher) fetch(streamID int) (int64, int64, error) {
	f.calls++
	if f.fail {
		return 0, 0, errors.New("store on fire")
	}
	span, ok := f.spans[streamID]
	if !ok {
		return 0, 0, nil
	}
	return span[0], span[1], nil
}

func TestFilterActiveStreams(t *testing.T) {
	f := &fakeFetcher{spans: map[int][2]int64{
		1: {100, 200},  // fully inside
		2: {50, 120},   // overlaps start
		3: {180, 400},  // overlaps end
		4: {300, 400},  // after window
		5: {10, 90},    // before window
		6: {100, 1000}, // spans window
	}}
	c := streamcache.New(0)

	got, err := c.FilterActiveStreams("data_amp_icmp",
		map[string][]int{"all": {1, 2, 3, 4, 5, 6}, "late": {4}}, 100, 200, f.fetch)
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	want := map[string][]int{"all": {1, 2, 3, 6}, "late": {}}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("Expected exact intersection, Got %v.", diff)
	}
}

func TestFilterCachesFetches(t *testing.T) {
	f := &fakeFetcher{spans: map[int][2]int64{1: {100, 200}}}
	c := streamcache.New(0)
	labels := map[string][]int{"a": {1}}

	for i := 0; i < 3; i++ {
		if _, err := c.FilterActiveStreams("data_amp_icmp", labels, 0, 500, f.fetch); err != nil {
			t.Fatalf("Expected no error, Got %v.", err)
		}
	}
	if f.calls != 1 {
		t.Fatalf("Expected 1 fetch, Got %d.", f.calls)
	}
}

func TestEmptyStreamsNotCached(t *testing.T) {
	f := &fakeFetcher{spans: map[int][2]int64{}}
	c := streamcache.New(0)
	labels := map[string][]int{"a": {9}}

	for i := 0; i < 2; i++ {
		got, err := c.FilterActiveStreams("data_amp_icmp", labels, 0, 500, f.fetch)
		if err != nil {
			t.Fatalf("Expected no error, Got %v.", err)
		}
		if len(got["a"]) != 0 {
			t.Fatalf("Expected stream with no rows to be inactive, Got %v.", got)
		}
	}
	if f.calls != 2 {
		t.Fatalf("Expected refetch for empty stream, Got %d calls.", f.calls)
	}
}

func TestIngestionUpdatesAvoidFetch(t *testing.T) {
	f := &fakeFetcher{}
	c := streamcache.New(0)
	c.SetFirst("data_amp_icmp", 1, 1000)
	c.AdvanceLast("data_amp_icmp", 1, 1060)

	got, err := c.FilterActiveStreams("data_amp_icmp", map[string][]int{"a": {1}}, 1050, 2000, f.fetch)
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if len(got["a"]) != 1 {
		t.Fatalf("Expected stream active, Got %v.", got)
	}
	if f.calls != 0 {
		t.Fatalf("Expected no fetches, Got %d.", f.calls)
	}
}

func TestAdvanceLastOnlyForward(t *testing.T) {
	f := &fakeFetcher{}
	c := streamcache.New(0)
	c.SetFirst("t", 1, 100)
	c.AdvanceLast("t", 1, 500)
	c.AdvanceLast("t", 1, 300) // stale, ignored

	got, err := c.FilterActiveStreams("t", map[string][]int{"a": {1}}, 400, 600, f.fetch)
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if len(got["a"]) != 1 {
		t.Fatalf("Expected last to stay at 500, Got %v.", got)
	}
}

// A stream created before this process started has history the cache
// has never seen. The first AdvanceLast for it must not conjure up an
// entry, otherwise the insert timestamp would pose as the stream's
// first timestamp and window filters would skip its older data.
func TestAdvanceLastUnknownStreamDefersToFetch(t *testing.T) {
	f := &fakeFetcher{spans: map[int][2]int64{1: {100, 5000}}}
	c := streamcache.New(0)
	c.AdvanceLast("t", 1, 5000)

	got, err := c.FilterActiveStreams("t", map[string][]int{"a": {1}}, 100, 200, f.fetch)
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if len(got["a"]) != 1 {
		t.Fatalf("Expected stream active over its true first timestamp, Got %v.", got)
	}
	if f.calls != 1 {
		t.Fatalf("Expected 1 fetch for the unknown stream, Got %d.", f.calls)
	}
}

func TestFreshEntryWithinLifetime(t *testing.T) {
	f := &fakeFetcher{spans: map[int][2]int64{1: {100, 200}}}
	c := streamcache.New(time.Minute)
	labels := map[string][]int{"a": {1}}

	if _, err := c.FilterActiveStreams("t", labels, 0, 500, f.fetch); err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if _, err := c.FilterActiveStreams("t", labels, 0, 500, f.fetch); err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if f.calls != 1 {
		t.Fatalf("Expected cached second read, Got %d calls.", f.calls)
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	f := &fakeFetcher{fail: true}
	c := streamcache.New(0)
	_, err := c.FilterActiveStreams("t", map[string][]int{"a": {1}}, 0, 1, f.fetch)
	if err == nil {
		t.Fatal("Expected fetch error to propagate.")
	}
}
