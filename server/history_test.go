package server

import (
	"errors"
	"testing"

	"github.com/go-test/deep"

	"github.com/wanduow/nntsc/export"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/protocol"
	"github.com/wanduow/nntsc/store"
	"github.com/wanduow/nntsc/streamcache"
)

func TestSubscribeHistoryChunking(t *testing.T) {
	rows := &fakeRows{rows: append(genRows("a", 450, 1000, 300), genRows("b", 3, 1000, 300)...)}
	fs := &fakeStore{
		collections: testCatalogue(),
		spans:       map[int][2]int64{1: {500, 900000}, 2: {500, 900000}, 3: {500, 900000}},
		rows:        rows,
	}
	srv := testServer(fs, streamcache.New(0), 16)
	client := startConn(t, srv)
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:    "amp_icmp",
		Start:   1000,
		End:     200000,
		Columns: []string{"median"},
		Labels:  map[string][]int{"a": {1, 2}, "b": {3}, "idle": {4}},
	})

	// the label with no active streams settles first, with no rows
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if h.Label != "idle" || len(h.Data) != 0 || h.More || h.Freq != 0 {
		t.Fatalf("Expected an empty final chunk for idle, Got %+v.", h)
	}

	want := []struct {
		label string
		count int
		more  bool
	}{{"a", 200, true}, {"a", 200, true}, {"a", 50, false}, {"b", 3, false}}
	for i, w := range want {
		f := readFrame(t, client)
		if f.Type != protocol.MsgHistory {
			t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
		}
		var h protocol.History
		decodeFrame(t, f, &h)
		if h.Collection != "amp_icmp" || h.Label != w.label || len(h.Data) != w.count || h.More != w.more {
			t.Fatalf("Chunk %d: expected %s/%d rows/more=%v, Got %s/%d rows/more=%v.",
				i, w.label, w.count, w.more, h.Label, len(h.Data), h.More)
		}
		if h.Freq != 300 {
			t.Fatalf("Chunk %d: expected freq 300, Got %d.", i, h.Freq)
		}
		for _, row := range h.Data {
			if _, ok := row["nntsclabel"]; ok {
				t.Fatal("Expected the label column to be stripped from rows.")
			}
		}
	}

	calls := fs.dataCalled()
	if len(calls) != 1 {
		t.Fatalf("Expected one select, Got %d.", len(calls))
	}
	wantLabels := map[string][]int{"a": {1, 2}, "b": {3}}
	if diff := deep.Equal(wantLabels, calls[0].labels); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if diff := deep.Equal([]string{"median"}, calls[0].columns); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if calls[0].start != 1000 || calls[0].end != 200000 {
		t.Fatalf("Expected window 1000..200000, Got %d..%d.", calls[0].start, calls[0].end)
	}

	// the window ended in the past, so no live delivery was registered
	srv.dispatchEvent(export.LiveEvent{
		Collection: "amp_icmp",
		StreamID:   1,
		Timestamp:  150000,
		Row:        map[string]interface{}{"median": 1.0},
	})
	expectSilence(t, client)
}

func TestSubscribeLiveDelivery(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		rows:        &fakeRows{rows: genRows("g", 1, 1000, 300)},
	}
	srv := testServer(fs, nil, 16)
	client := startConn(t, srv)
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:    "amp_icmp",
		Start:   1000,
		End:     0,
		Columns: []string{"median"},
		Labels:  map[string][]int{"g": {1}},
	})
	// the final history chunk proves the subscription is registered
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}

	// wrong stream, then a row older than the window, then a match
	srv.dispatchEvent(export.LiveEvent{
		Collection: "amp_icmp", StreamID: 2, Timestamp: 2000,
		Row: map[string]interface{}{"median": 1.0},
	})
	srv.dispatchEvent(export.LiveEvent{
		Collection: "amp_icmp", StreamID: 1, Timestamp: 500,
		Row: map[string]interface{}{"median": 1.0},
	})
	srv.dispatchEvent(export.LiveEvent{
		Collection: "amp_icmp", StreamID: 1, Timestamp: 2000,
		Row: map[string]interface{}{"median": 42.5, "loss": float64(2)},
	})
	srv.dispatchEvent(export.PushEvent{CollectionID: 1, Timestamp: 2100})
	srv.dispatchEvent(export.PushEvent{CollectionID: 2, Timestamp: 2100})

	f = readFrame(t, client)
	if f.Type != protocol.MsgLive {
		t.Fatalf("Expected LIVE, Got %s.", protocol.MsgName(f.Type))
	}
	var live protocol.Live
	decodeFrame(t, f, &live)
	if live.Collection != "amp_icmp" || live.StreamID != 1 {
		t.Fatalf("Expected amp_icmp/1, Got %s/%d.", live.Collection, live.StreamID)
	}
	wantRow := map[string]interface{}{"median": 42.5, "timestamp": float64(2000)}
	if diff := deep.Equal(wantRow, live.Data); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}

	f = readFrame(t, client)
	if f.Type != protocol.MsgPush {
		t.Fatalf("Expected PUSH, Got %s.", protocol.MsgName(f.Type))
	}
	var push protocol.Push
	decodeFrame(t, f, &push)
	if push.Collection != 1 || push.Timestamp != 2100 {
		t.Fatalf("Expected push 1/2100, Got %d/%d.", push.Collection, push.Timestamp)
	}
	expectSilence(t, client)
}

func TestStreamWatchForwardsNewStreams(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		streams:     []map[string]interface{}{{"stream_id": 7}},
	}
	srv := testServer(fs, nil, 16)
	client := startConn(t, srv)
	handshake(t, client)

	writeMsg(t, client, protocol.MsgRequest, protocol.Request{Type: protocol.ReqStreams, Collection: 1})
	f := readFrame(t, client)
	if f.Type != protocol.MsgStreams {
		t.Fatalf("Expected STREAMS, Got %s.", protocol.MsgName(f.Type))
	}

	// a birth in a collection this client never paged stays quiet
	srv.dispatchEvent(export.StreamEvent{
		CollectionID: 2,
		Collection:   "rrd_smokeping",
		StreamID:     40,
		Properties:   map[string]interface{}{},
	})
	srv.dispatchEvent(export.StreamEvent{
		CollectionID: 1,
		Collection:   "amp_icmp",
		StreamID:     42,
		Properties:   map[string]interface{}{"source": "akl"},
	})

	f = readFrame(t, client)
	if f.Type != protocol.MsgStreams {
		t.Fatalf("Expected STREAMS, Got %s.", protocol.MsgName(f.Type))
	}
	var msg protocol.Streams
	decodeFrame(t, f, &msg)
	if msg.Collection != 1 || msg.More || len(msg.Streams) != 1 {
		t.Fatalf("Expected one stream for collection 1, Got %+v.", msg)
	}
	want := map[string]interface{}{"stream_id": float64(42), "source": "akl"}
	if diff := deep.Equal(want, msg.Streams[0]); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
}

func TestHistorySettlesRowlessLabels(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		rows:        &fakeRows{rows: genRows("a", 2, 1000, 300)},
	}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:    "amp_icmp",
		Start:   1000,
		End:     2000,
		Columns: []string{"median"},
		Labels:  map[string][]int{"a": {1}, "quiet": {2}},
	})

	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if h.Label != "a" || len(h.Data) != 2 || h.More {
		t.Fatalf("Expected the final chunk for a, Got %+v.", h)
	}

	// the label the cursor never produced rows for still completes
	f = readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	decodeFrame(t, f, &h)
	if h.Label != "quiet" || len(h.Data) != 0 || h.More {
		t.Fatalf("Expected an empty final chunk for quiet, Got %+v.", h)
	}
}

func TestSubscribeUnknownCollectionSendsCancel(t *testing.T) {
	fs := &fakeStore{collections: testCatalogue()}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:   "amp_nonsense",
		Start:  1000,
		End:    2000,
		Labels: map[string][]int{"g": {1}},
	})
	qc := readCancelled(t, client)
	if qc.Request != protocol.MsgHistory {
		t.Fatalf("Expected a HISTORY cancel, Got %s.", protocol.MsgName(qc.Request))
	}
	var hctx protocol.HistoryContext
	if err := protocol.DecodeBody(protocol.MsgQueryCancelled, qc.Context, &hctx); err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if hctx.Collection != "amp_nonsense" || hctx.More {
		t.Fatalf("Expected a final cancel for amp_nonsense, Got %+v.", hctx)
	}

	// a bad request does not cost the client its connection
	writeMsg(t, client, protocol.MsgRequest, protocol.Request{Type: protocol.ReqCollections})
	f := readFrame(t, client)
	if f.Type != protocol.MsgCollections {
		t.Fatalf("Expected COLLECTIONS, Got %s.", protocol.MsgName(f.Type))
	}
}

func TestQueryTimeoutCancelsQueryOnly(t *testing.T) {
	rows := &fakeRows{
		rows: genRows("g", 250, 1000, 300),
		err: &nntsc.Error{
			Kind: nntsc.QueryTimeout,
			Op:   "store.select",
			Err:  errors.New("canceling statement due to statement timeout"),
		},
	}
	fs := &fakeStore{collections: testCatalogue(), rows: rows}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:   "amp_icmp",
		Start:  1000,
		End:    200000,
		Labels: map[string][]int{"g": {1}},
	})
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if len(h.Data) != 200 || !h.More {
		t.Fatalf("Expected a 200 row chunk with more set, Got %d rows more=%v.", len(h.Data), h.More)
	}

	qc := readCancelled(t, client)
	if qc.Request != protocol.MsgHistory {
		t.Fatalf("Expected a HISTORY cancel, Got %s.", protocol.MsgName(qc.Request))
	}
	var hctx protocol.HistoryContext
	if err := protocol.DecodeBody(protocol.MsgQueryCancelled, qc.Context, &hctx); err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if !hctx.More {
		t.Fatal("Expected a retryable cancel.")
	}

	// the connection survives a timed out query
	writeMsg(t, client, protocol.MsgRequest, protocol.Request{Type: protocol.ReqCollections})
	f = readFrame(t, client)
	if f.Type != protocol.MsgCollections {
		t.Fatalf("Expected COLLECTIONS, Got %s.", protocol.MsgName(f.Type))
	}
	if !rows.isClosed() {
		t.Fatal("Expected the cursor to be closed.")
	}
}

func TestAggregateRequest(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		rows:        &fakeRows{rows: genRows("g", 2, 1000, 300)},
	}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgAggregate, protocol.Aggregate{
		Collection:   1,
		Start:        1000,
		End:          2000,
		Labels:       map[string][]int{"g": {1}},
		AggColumns:   []string{"median", "loss"},
		GroupColumns: []string{"source"},
		Binsize:      300,
		AggFunc:      "avg",
	})
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if h.Collection != "amp_icmp" || h.Binsize != 300 || h.More {
		t.Fatalf("Expected a final amp_icmp chunk binned at 300, Got %+v.", h)
	}

	calls := fs.aggCalled()
	if len(calls) != 1 {
		t.Fatalf("Expected one aggregated select, Got %d.", len(calls))
	}
	got := calls[0]
	if diff := deep.Equal(map[string][]int{"g": {1}}, got.labels); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	wantAggs := []store.Agg{{Column: "median", Func: "avg"}, {Column: "loss", Func: "avg"}}
	if diff := deep.Equal(wantAggs, got.aggs); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if diff := deep.Equal([]string{"source"}, got.group); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if got.start != 1000 || got.end != 2000 || got.binsize != 300 {
		t.Fatalf("Expected 1000..2000 binned at 300, Got %d..%d at %d.", got.start, got.end, got.binsize)
	}
}

func TestPercentileRequest(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		rows:        &fakeRows{rows: genRows("g", 2, 1000, 300)},
	}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgPercentile, protocol.Percentile{
		Collection:   1,
		Start:        1000,
		End:          2000,
		Labels:       map[string][]int{"g": {1}},
		Binsize:      600,
		NtileColumns: []string{"latency"},
		OtherColumns: []string{"loss"},
		NtileAggFunc: "avg",
		OtherAggFunc: "max",
	})
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if h.Collection != "amp_icmp" || h.Binsize != 600 {
		t.Fatalf("Expected an amp_icmp chunk binned at 600, Got %+v.", h)
	}

	calls := fs.pctCalled()
	if len(calls) != 1 {
		t.Fatalf("Expected one percentile select, Got %d.", len(calls))
	}
	got := calls[0]
	if diff := deep.Equal(map[string][]int{"g": {1}}, got.labels); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if diff := deep.Equal([]string{"latency"}, got.ntileCols); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if diff := deep.Equal([]string{"loss"}, got.otherCols); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if got.ntileFn != "avg" || got.otherFn != "max" {
		t.Fatalf("Expected avg/max, Got %s/%s.", got.ntileFn, got.otherFn)
	}
	if got.start != 1000 || got.end != 2000 || got.binsize != 600 {
		t.Fatalf("Expected 1000..2000 binned at 600, Got %d..%d at %d.", got.start, got.end, got.binsize)
	}
}

func TestSubscribeWithAggsSelectsAggregated(t *testing.T) {
	fs := &fakeStore{
		collections: testCatalogue(),
		rows:        &fakeRows{rows: genRows("g", 2, 1000, 300)},
	}
	client := startConn(t, testServer(fs, nil, 16))
	handshake(t, client)

	writeMsg(t, client, protocol.MsgSubscribe, protocol.Subscribe{
		Name:    "amp_icmp",
		Start:   1000,
		End:     5000,
		Columns: []string{"median", "loss"},
		Labels:  map[string][]int{"g": {1}},
		Aggs:    []string{"smoke"},
	})
	f := readFrame(t, client)
	if f.Type != protocol.MsgHistory {
		t.Fatalf("Expected HISTORY, Got %s.", protocol.MsgName(f.Type))
	}
	var h protocol.History
	decodeFrame(t, f, &h)
	if h.Binsize != 0 || h.More {
		t.Fatalf("Expected a final unbinned chunk, Got %+v.", h)
	}

	if len(fs.dataCalled()) != 0 {
		t.Fatal("Expected no raw select for an aggregated subscription.")
	}
	calls := fs.aggCalled()
	if len(calls) != 1 {
		t.Fatalf("Expected one aggregated select, Got %d.", len(calls))
	}
	got := calls[0]
	// one function fans out across every column
	wantAggs := []store.Agg{{Column: "median", Func: "smoke"}, {Column: "loss", Func: "smoke"}}
	if diff := deep.Equal(wantAggs, got.aggs); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if got.binsize != 0 || len(got.group) != 0 {
		t.Fatalf("Expected an unbinned ungrouped select, Got binsize %d groups %v.", got.binsize, got.group)
	}
	if got.start != 1000 || got.end != 5000 {
		t.Fatalf("Expected window 1000..5000, Got %d..%d.", got.start, got.end)
	}
}
