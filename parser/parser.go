// The parser package turns decoded measurement payloads into streams and
// data rows for the different collections: the AMP active measurement
// tests, LPI usage statistics and RRD-sourced series.
package parser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       Parser framework
//=====================================================================================

// Store is the subset of the database gateway that parsers need. It is an
// interface so tests can substitute an in-memory fake.
type Store interface {
	RegisterCollection(spec *nntsc.CollectionSpec) (nntsc.Collection, error)
	GetCollection(module, subtype string) (nntsc.Collection, error)
	SelectStreams(col nntsc.Collection, minID int) ([]map[string]interface{}, error)
	InsertStream(col nntsc.Collection, spec *nntsc.CollectionSpec, name string, firstTS int64, props map[string]interface{}) (int, bool, error)
	InsertData(table string, streamID int, ts int64, values map[string]interface{}) error
	UpdateLastTimestamp(streamIDs []int, ts int64) error
	SetFirstTimestamp(streamID int, ts int64) error
}

// base carries the machinery every parser shares: the local stream key
// map, idempotent stream creation, data insertion and event export.
// A base is owned by a single processing goroutine; the mutex protects
// the maps against concurrent RegisterExisting calls during startup.
type base struct {
	store Store
	exp   nntsc.Exporter
	cache *streamcache.Cache
	log   zerolog.Logger

	spec *nntsc.CollectionSpec
	col  nntsc.Collection

	mu      sync.Mutex
	streams map[string]int
	touched map[int]int64
}

func newBase(spec *nntsc.CollectionSpec, store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) base {
	return base{
		store:   store,
		exp:     exp,
		cache:   cache,
		log:     log.With().Str("collection", spec.Name()).Logger(),
		spec:    spec,
		streams: make(map[string]int),
		touched: make(map[int]int64),
	}
}

// Spec returns the table layout for the parser's collection.
func (b *base) Spec() *nntsc.CollectionSpec { return b.spec }

// Register creates the stream and data tables if they do not exist and
// resolves the collection id.
func (b *base) Register() error {
	col, err := b.store.RegisterCollection(b.spec)
	if err != nil {
		return err
	}
	b.col = col
	return nil
}

// RegisterExisting loads one already known stream into the local key map
// so reported data resolves to its id without touching the database.
func (b *base) RegisterExisting(stream map[string]interface{}) {
	id, ok := intField(stream, "stream_id")
	if !ok {
		if id, ok = intField(stream, "id"); !ok {
			return
		}
	}
	b.mu.Lock()
	b.streams[b.key(stream)] = id
	b.mu.Unlock()
}

// key builds the canonical stream key for props from the collection's
// unique columns. Values must stringify identically whether they come
// from a decoded payload or from a database row.
func (b *base) key(props map[string]interface{}) string {
	parts := make([]string, 0, len(b.spec.UniqueColumns))
	for _, col := range b.spec.UniqueColumns {
		parts = append(parts, keyString(props[col]))
	}
	return strings.Join(parts, "\x00")
}

// stream returns the id for the stream described by props, creating the
// stream if this key has never been seen. Creation is idempotent: if the
// key already exists in the database the existing id is adopted and no
// STREAM event is published, so at most one STREAM event is ever sent
// per key.
func (b *base) stream(name string, ts int64, props map[string]interface{}) (int, error) {
	k := b.key(props)
	b.mu.Lock()
	if id, ok := b.streams[k]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	id, created, err := b.store.InsertStream(b.col, b.spec, name, ts, props)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.streams[k] = id
	b.mu.Unlock()

	if b.cache != nil && ts != 0 {
		b.cache.SetFirst(b.col.Name(), id, ts)
	}
	if created && b.exp != nil {
		b.exp.PublishStream(b.col.ID, b.col.Name(), id, props)
	}
	return id, nil
}

// insert buffers one data row, remembers the stream for the next Flush
// and publishes the matching LIVE event.
func (b *base) insert(streamID int, ts int64, values map[string]interface{}) error {
	if err := b.store.InsertData(b.col.DataTable, streamID, ts, values); err != nil {
		return err
	}
	b.mu.Lock()
	if ts > b.touched[streamID] {
		b.touched[streamID] = ts
	}
	b.mu.Unlock()
	if b.cache != nil {
		b.cache.AdvanceLast(b.col.Name(), streamID, ts)
	}
	if b.exp != nil {
		b.exp.PublishLive(b.col.Name(), streamID, ts, values)
	}
	return nil
}

// Flush advances lasttimestamp for every stream that received data since
// the previous flush. Call it after the store commits; the update is
// idempotent so a retried flush is harmless.
func (b *base) Flush() error {
	b.mu.Lock()
	groups := make(map[int64][]int, 1)
	for id, ts := range b.touched {
		groups[ts] = append(groups[ts], id)
	}
	b.mu.Unlock()

	for ts, ids := range groups {
		sort.Ints(ids)
		if err := b.store.UpdateLastTimestamp(ids, ts); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.touched = make(map[int]int64)
	b.mu.Unlock()
	return nil
}

// keyString renders one stream key value. Database rows give int64 and
// string; payloads give whatever the decoder produced.
func keyString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func intField(m map[string]interface{}, name string) (int, bool) {
	switch t := m[name].(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

//=====================================================================================
//                       Registry
//=====================================================================================

// CQ is one continuous-query aggregation mirrored into influx for a
// collection: Column aggregated with Func, stored as As.
type CQ struct {
	Column string
	Func   string
	As     string
}

// matrixSource is implemented by parsers that mirror aggregated values
// into the influx store.
type matrixSource interface {
	MatrixCQ() []CQ
}

// columnFilter is implemented by parsers that restrict which of their
// data columns may be fetched by clients.
type columnFilter interface {
	SanitiseColumns(cols []string) []string
}

// Entry pairs the decoder for a broker payload with the processor that
// consumes the decoded result.
type Entry struct {
	Decoder nntsc.Decoder
	Parser  nntsc.Processor
}

// Registry owns one parser instance per collection. All lookup state is
// held on the instance, so independent registries never share streams.
type Registry struct {
	store  Store
	log    zerolog.Logger
	byTest map[string]Entry
	byName map[string]nntsc.Registrar
	polled map[string]nntsc.PolledParser
}

// NewRegistry builds the full set of parsers around the given store,
// exporter and stream cache. The exporter and cache may be nil.
func NewRegistry(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *Registry {
	r := &Registry{
		store:  store,
		log:    log,
		byTest: make(map[string]Entry),
		byName: make(map[string]nntsc.Registrar),
		polled: make(map[string]nntsc.PolledParser),
	}

	r.add("icmp", icmpDecoder{}, NewAmpIcmpParser(store, exp, cache, log))
	r.add("tcpping", icmpDecoder{}, NewAmpTcppingParser(store, exp, cache, log))
	r.add("dns", dnsDecoder{}, NewAmpDnsParser(store, exp, cache, log))
	r.add("http", httpDecoder{}, NewAmpHttpParser(store, exp, cache, log))
	r.add("throughput", throughputDecoder{}, NewAmpThroughputParser(store, exp, cache, log))
	r.add("traceroute", tracerouteDecoder{}, NewAmpTracerouteParser(store, exp, cache, log))

	lpi := NewLPIParser(store, exp, cache, log)
	r.byTest["lpi"] = Entry{Decoder: LPICPDecoder{}, Parser: lpi}
	for _, p := range lpi.parsers() {
		r.byName[p.Spec().Name()] = p
	}

	smoke := NewRRDSmokepingParser(store, exp, cache, log)
	munin := NewRRDMuninbytesParser(store, exp, cache, log)
	r.polled[smoke.Spec().Subtype] = smoke
	r.polled[munin.Spec().Subtype] = munin
	r.byName[smoke.Spec().Name()] = smoke
	r.byName[munin.Spec().Name()] = munin

	return r
}

func (r *Registry) add(test string, dec nntsc.Decoder, p nntsc.Parser) {
	r.byTest[test] = Entry{Decoder: dec, Parser: p}
	r.byName[p.Spec().Name()] = p
}

// Lookup finds the decoder and parser for a broker test type.
func (r *Registry) Lookup(test string) (Entry, bool) {
	e, ok := r.byTest[test]
	return e, ok
}

// Parser finds a parser by collection name, e.g. "amp_icmp".
func (r *Registry) Parser(name string) (nntsc.Registrar, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Polled finds an RRD parser by module subtype, e.g. "smokeping".
func (r *Registry) Polled(subtype string) (nntsc.PolledParser, bool) {
	p, ok := r.polled[subtype]
	return p, ok
}

// PolledSubtypes lists the subtypes with a polled parser, sorted.
func (r *Registry) PolledSubtypes() []string {
	subtypes := make([]string, 0, len(r.polled))
	for s := range r.polled {
		subtypes = append(subtypes, s)
	}
	sort.Strings(subtypes)
	return subtypes
}

// Register creates tables and collection records for every parser.
func (r *Registry) Register() error {
	for _, name := range r.names() {
		if err := r.byName[name].Register(); err != nil {
			return err
		}
	}
	return nil
}

// LoadExisting primes every parser's stream map from the streams already
// registered in the store. Call after Register.
func (r *Registry) LoadExisting() error {
	for _, name := range r.names() {
		p := r.byName[name]
		spec := p.Spec()
		col, err := r.store.GetCollection(spec.Module, spec.Subtype)
		if err != nil {
			return err
		}
		rows, err := r.store.SelectStreams(col, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			p.RegisterExisting(row)
		}
		r.log.Debug().Str("collection", name).Int("streams", len(rows)).
			Msg("loaded existing streams")
	}
	return nil
}

// Flush runs post-commit bookkeeping on every parser.
func (r *Registry) Flush() error {
	var first error
	for _, name := range r.names() {
		if err := r.byName[name].Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SanitiseColumns filters a requested column list through the named
// collection's parser. Collections without restrictions pass the list
// through unchanged.
func (r *Registry) SanitiseColumns(collection string, cols []string) []string {
	p, ok := r.byName[collection]
	if !ok {
		return cols
	}
	if f, ok := p.(columnFilter); ok {
		return f.SanitiseColumns(cols)
	}
	return cols
}

// ContinuousQueries collects the matrix aggregations, keyed by
// collection name, for registration with the influx client.
func (r *Registry) ContinuousQueries() map[string][]CQ {
	cqs := make(map[string][]CQ)
	for name, p := range r.byName {
		if m, ok := p.(matrixSource); ok {
			cqs[name] = m.MatrixCQ()
		}
	}
	return cqs
}

// names returns the collection names in a stable order so registration
// and flushing are deterministic.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
