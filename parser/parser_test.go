package parser_test

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/parser"
)

//=====================================================================================
//                       Fakes
//=====================================================================================

type fakeRow struct {
	table  string
	stream int
	ts     int64
	values map[string]interface{}
}

type fakeStream struct {
	id    int
	name  string
	first int64
	props map[string]interface{}
}

// fakeStore implements parser.Store in memory, with the same duplicate
// key behaviour as the real store.
type fakeStore struct {
	mu       sync.Mutex
	cols     map[string]nntsc.Collection
	specs    map[string]*nntsc.CollectionSpec
	streams  map[string]*fakeStream
	existing map[string][]map[string]interface{}
	rows     []fakeRow
	lastTS   map[int]int64
	firstTS  map[int]int64

	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cols:     make(map[string]nntsc.Collection),
		specs:    make(map[string]*nntsc.CollectionSpec),
		streams:  make(map[string]*fakeStream),
		existing: make(map[string][]map[string]interface{}),
		lastTS:   make(map[int]int64),
		firstTS:  make(map[int]int64),
	}
}

func (f *fakeStore) RegisterCollection(spec *nntsc.CollectionSpec) (nntsc.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := spec.Name()
	if col, ok := f.cols[name]; ok {
		return col, nil
	}
	col := nntsc.Collection{
		ID:          len(f.cols) + 1,
		Module:      spec.Module,
		Subtype:     spec.Subtype,
		StreamTable: spec.StreamTable,
		DataTable:   spec.DataTable,
	}
	f.cols[name] = col
	f.specs[name] = spec
	return col, nil
}

func (f *fakeStore) GetCollection(module, subtype string) (nntsc.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.cols[nntsc.CollectionName(module, subtype)]
	if !ok {
		return nntsc.Collection{}, &nntsc.Error{Kind: nntsc.Generic, Op: "get collection"}
	}
	return col, nil
}

func (f *fakeStore) SelectStreams(col nntsc.Collection, minID int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[col.Name()], nil
}

func (f *fakeStore) InsertStream(col nntsc.Collection, spec *nntsc.CollectionSpec, name string, firstTS int64, props map[string]interface{}) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := streamKey(spec, props)
	if s, ok := f.streams[key]; ok {
		return s.id, false, nil
	}
	id := len(f.streams) + 1
	f.streams[key] = &fakeStream{id: id, name: name, first: firstTS, props: props}
	return id, true, nil
}

func (f *fakeStore) InsertData(table string, streamID int, ts int64, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows = append(f.rows, fakeRow{table: table, stream: streamID, ts: ts, values: values})
	return nil
}

func (f *fakeStore) UpdateLastTimestamp(streamIDs []int, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range streamIDs {
		if ts > f.lastTS[id] {
			f.lastTS[id] = ts
		}
	}
	return nil
}

func (f *fakeStore) SetFirstTimestamp(streamID int, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstTS[streamID] = ts
	return nil
}

func (f *fakeStore) rowsFor(table string) []fakeRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRow
	for _, r := range f.rows {
		if r.table == table {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeStore) streamByID(id int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.id == id {
			return s
		}
	}
	return nil
}

func streamKey(spec *nntsc.CollectionSpec, props map[string]interface{}) string {
	parts := []string{spec.Name()}
	for _, c := range spec.UniqueColumns {
		parts = append(parts, fmt.Sprintf("%v", props[c]))
	}
	return strings.Join(parts, "|")
}

type publishedStream struct {
	colID    int
	name     string
	streamID int
}

type publishedLive struct {
	name     string
	streamID int
	ts       int64
	row      map[string]interface{}
}

type publishedPush struct {
	colID int
	ts    int64
}

// fakeExporter records published events in order.
type fakeExporter struct {
	mu      sync.Mutex
	streams []publishedStream
	live    []publishedLive
	pushes  []publishedPush
}

func (f *fakeExporter) PublishStream(colID int, name string, streamID int, properties map[string]interface{}) {
	f.mu.Lock()
	f.streams = append(f.streams, publishedStream{colID, name, streamID})
	f.mu.Unlock()
}

func (f *fakeExporter) PublishLive(name string, streamID int, ts int64, row map[string]interface{}) {
	f.mu.Lock()
	f.live = append(f.live, publishedLive{name, streamID, ts, row})
	f.mu.Unlock()
}

func (f *fakeExporter) PublishPush(colID int, ts int64) {
	f.mu.Lock()
	f.pushes = append(f.pushes, publishedPush{colID, ts})
	f.mu.Unlock()
}

// newTestRegistry builds a registered registry over fresh fakes.
func newTestRegistry(t *testing.T) (*parser.Registry, *fakeStore, *fakeExporter) {
	t.Helper()
	store := newFakeStore()
	exp := &fakeExporter{}
	reg := parser.NewRegistry(store, exp, nil, zerolog.Nop())
	if err := reg.Register(); err != nil {
		t.Fatalf("Expected registration to succeed, Got %v.", err)
	}
	return reg, store, exp
}

// process runs one decoded payload through the parser for a broker test
// type.
func process(t *testing.T, reg *parser.Registry, test string, body []byte, ts int64, source string) error {
	t.Helper()
	e, ok := reg.Lookup(test)
	if !ok {
		t.Fatalf("Expected a parser for test %q.", test)
	}
	data, err := e.Decoder.Decode(body)
	if err != nil {
		return err
	}
	return e.Parser.Process(ts, data, source)
}

//=====================================================================================
//                       Registry
//=====================================================================================

func TestRegistryCollections(t *testing.T) {
	reg, store, _ := newTestRegistry(t)

	want := []string{
		"amp_dns", "amp_http", "amp_icmp", "amp_tcpping", "amp_throughput",
		"amp_traceroute", "lpi_bytes", "lpi_flows", "lpi_packets", "lpi_users",
		"rrd_muninbytes", "rrd_smokeping",
	}
	var got []string
	for name := range store.cols {
		got = append(got, name)
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("Expected %d collections, Got %d: %v.", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected collection %q, Got %q.", want[i], got[i])
		}
	}

	for _, name := range want {
		if _, ok := reg.Parser(name); !ok {
			t.Errorf("Expected a parser registered for %q.", name)
		}
	}
	for _, test := range []string{"icmp", "tcpping", "dns", "http", "throughput", "traceroute", "lpi"} {
		if _, ok := reg.Lookup(test); !ok {
			t.Errorf("Expected a broker entry for test %q.", test)
		}
	}
	for _, subtype := range []string{"smokeping", "muninbytes"} {
		if _, ok := reg.Polled(subtype); !ok {
			t.Errorf("Expected a polled parser for %q.", subtype)
		}
	}
}

func TestStreamCreatedOnce(t *testing.T) {
	reg, store, exp := newTestRegistry(t)

	body := []byte(`[{"target": "wand.net.nz", "address": "192.168.0.1",
		"packet_size": 84, "rtts": [120], "loss": 0}]`)
	if err := process(t, reg, "icmp", body, 1000, "probeA"); err != nil {
		t.Fatalf("Expected first process to succeed, Got %v.", err)
	}
	if err := process(t, reg, "icmp", body, 1060, "probeA"); err != nil {
		t.Fatalf("Expected second process to succeed, Got %v.", err)
	}

	if len(store.streams) != 1 {
		t.Fatalf("Expected 1 stream, Got %d.", len(store.streams))
	}
	if len(exp.streams) != 1 {
		t.Fatalf("Expected 1 STREAM event, Got %d.", len(exp.streams))
	}
	if len(exp.live) != 2 {
		t.Fatalf("Expected 2 LIVE events, Got %d.", len(exp.live))
	}
	if exp.live[0].streamID != exp.streams[0].streamID {
		t.Errorf("Expected LIVE for stream %d, Got %d.",
			exp.streams[0].streamID, exp.live[0].streamID)
	}
}

// A stream loaded from the database must match the same measurement key
// even though database values come back as int64 rather than int.
func TestRegisterExistingMatchesPayloadKeys(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExporter{}
	store.existing["amp_icmp"] = []map[string]interface{}{
		{
			"stream_id":   int64(42),
			"source":      "probeA",
			"destination": "wand.net.nz",
			"family":      "ipv4",
			"packet_size": "84",
			"address":     "192.168.0.1",
		},
	}

	reg := parser.NewRegistry(store, exp, nil, zerolog.Nop())
	if err := reg.Register(); err != nil {
		t.Fatalf("Expected registration to succeed, Got %v.", err)
	}
	if err := reg.LoadExisting(); err != nil {
		t.Fatalf("Expected LoadExisting to succeed, Got %v.", err)
	}

	body := []byte(`[{"target": "wand.net.nz", "address": "192.168.0.1",
		"packet_size": 84, "rtts": [130], "loss": 0}]`)
	if err := process(t, reg, "icmp", body, 2000, "probeA"); err != nil {
		t.Fatalf("Expected process to succeed, Got %v.", err)
	}

	if len(store.streams) != 0 {
		t.Fatalf("Expected no new streams, Got %d.", len(store.streams))
	}
	rows := store.rowsFor("data_amp_icmp")
	if len(rows) != 1 {
		t.Fatalf("Expected 1 data row, Got %d.", len(rows))
	}
	if rows[0].stream != 42 {
		t.Errorf("Expected data against stream 42, Got %d.", rows[0].stream)
	}
}

func TestFlushAdvancesTimestamps(t *testing.T) {
	reg, store, _ := newTestRegistry(t)

	one := []byte(`[{"target": "a.example", "address": "10.0.0.1",
		"packet_size": 84, "rtts": [100], "loss": 0}]`)
	two := []byte(`[{"target": "b.example", "address": "10.0.0.2",
		"packet_size": 84, "rtts": [200], "loss": 0}]`)
	if err := process(t, reg, "icmp", one, 1000, "probeA"); err != nil {
		t.Fatalf("Expected process to succeed, Got %v.", err)
	}
	if err := process(t, reg, "icmp", two, 1300, "probeA"); err != nil {
		t.Fatalf("Expected process to succeed, Got %v.", err)
	}

	if len(store.lastTS) != 0 {
		t.Fatalf("Expected no timestamp updates before flush, Got %d.", len(store.lastTS))
	}
	if err := reg.Flush(); err != nil {
		t.Fatalf("Expected flush to succeed, Got %v.", err)
	}
	if len(store.lastTS) != 2 {
		t.Fatalf("Expected 2 streams updated, Got %d.", len(store.lastTS))
	}

	// A second flush with no new data must not touch the store again.
	store.lastTS = make(map[int]int64)
	if err := reg.Flush(); err != nil {
		t.Fatalf("Expected empty flush to succeed, Got %v.", err)
	}
	if len(store.lastTS) != 0 {
		t.Fatalf("Expected no updates from an empty flush, Got %d.", len(store.lastTS))
	}
}

func TestSanitiseColumns(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	cols := []string{"stream_id", "timestamp", "median", "rtts"}
	got := reg.SanitiseColumns("amp_icmp", cols)
	if len(got) != len(cols) {
		t.Fatalf("Expected amp_icmp columns untouched, Got %v.", got)
	}

	got = reg.SanitiseColumns("amp_traceroute",
		[]string{"timestamp", "path", "aspath", "hop_rtt", "bogus"})
	want := []string{"timestamp", "path", "hop_rtt"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, Got %v.", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected column %q at %d, Got %q.", want[i], i, got[i])
		}
	}
}

func TestContinuousQueries(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	cqs := reg.ContinuousQueries()
	if _, ok := cqs["amp_traceroute"]; ok {
		t.Errorf("Expected no continuous queries for amp_traceroute.")
	}
	smoke, ok := cqs["rrd_smokeping"]
	if !ok {
		t.Fatalf("Expected continuous queries for rrd_smokeping.")
	}
	found := false
	for _, cq := range smoke {
		if cq.Column == "median" && cq.Func == "mean" && cq.As == "median_avg" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected median mean aggregation, Got %v.", smoke)
	}

	for _, name := range []string{"amp_icmp", "amp_tcpping", "amp_dns", "amp_http", "amp_throughput"} {
		if len(cqs[name]) == 0 {
			t.Errorf("Expected continuous queries for %s.", name)
		}
	}
}
