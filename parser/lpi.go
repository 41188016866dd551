package parser

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       LPI Parsers
//=====================================================================================

// lpiProtocols maps protocol ids to names, per monitor. The map arrives
// in a protocols record before any stats and is shared by all four LPI
// collection parsers.
type lpiProtocols struct {
	mu        sync.Mutex
	byMonitor map[string]map[uint32]string
}

func newLPIProtocols() *lpiProtocols {
	return &lpiProtocols{byMonitor: make(map[string]map[uint32]string)}
}

func (p *lpiProtocols) set(monitor string, protos map[uint32]string) {
	p.mu.Lock()
	p.byMonitor[monitor] = protos
	p.mu.Unlock()
}

func (p *lpiProtocols) name(monitor string, id uint32) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.byMonitor[monitor][id]
	return name, ok
}

// lpiCollection is the shared shape of the LPI collections: one bigint
// value column, keyed by the monitor configuration. zeroSkip controls
// whether a zero value may create a stream; a protocol that has never
// transferred anything is not worth a stream until it does.
type lpiCollection struct {
	base
	protocols *lpiProtocols
	column    string
	zeroSkip  bool
	props     func(rec *LPICPStatsRecord, proto string) (map[string]interface{}, string)
}

// Process consumes one stats record routed from the LPI dispatcher.
func (c *lpiCollection) Process(ts int64, data interface{}, source string) error {
	rec, ok := data.(*LPICPStatsRecord)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: c.spec.Name(),
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}

	for _, res := range rec.Results {
		proto, ok := c.protocols.name(rec.Monitor, res.Protocol)
		if !ok {
			return &nntsc.Error{Kind: nntsc.DataError, Op: c.spec.Name(),
				Err: fmt.Errorf("unknown protocol id %d from %s", res.Protocol, rec.Monitor)}
		}
		props, name := c.props(rec, proto)

		if c.zeroSkip && res.Value == 0 && !c.known(props) {
			continue
		}
		id, err := c.stream(name, rec.Timestamp, props)
		if err != nil {
			return err
		}
		values := map[string]interface{}{c.column: int64(res.Value)}
		if err := c.insert(id, rec.Timestamp, values); err != nil {
			return err
		}
	}
	return nil
}

func (c *lpiCollection) known(props map[string]interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[c.key(props)]
	return ok
}

func lpiDirWord(dir string) string {
	if dir == "out" {
		return "outgoing"
	}
	return "incoming"
}

func lpiSpec(subtype, column string, streamCols []nntsc.ColumnSpec, unique []string) *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:        nntsc.ModuleLPI,
		Subtype:       subtype,
		StreamTable:   nntsc.StreamTableName(nntsc.ModuleLPI, subtype),
		DataTable:     nntsc.DataTableName(nntsc.ModuleLPI, subtype),
		StreamColumns: streamCols,
		UniqueColumns: unique,
		DataColumns: []nntsc.ColumnSpec{
			{Name: column, Type: "bigint", Null: true},
		},
	}
}

func lpiUserStreamColumns() []nntsc.ColumnSpec {
	return []nntsc.ColumnSpec{
		{Name: "source", Type: "varchar"},
		{Name: "user", Type: "varchar"},
		{Name: "dir", Type: "varchar"},
		{Name: "freq", Type: "integer"},
		{Name: "protocol", Type: "varchar"},
	}
}

func lpiUserUnique() []string {
	return []string{"source", "user", "dir", "freq", "protocol"}
}

func lpiPerUserProps(column string) func(rec *LPICPStatsRecord, proto string) (map[string]interface{}, string) {
	return func(rec *LPICPStatsRecord, proto string) (map[string]interface{}, string) {
		props := map[string]interface{}{
			"source":   rec.Monitor,
			"user":     rec.User,
			"dir":      rec.Direction,
			"freq":     rec.Freq,
			"protocol": proto,
		}
		name := fmt.Sprintf("%s %s %s for user %s -- measured from %s every %d seconds",
			proto, lpiDirWord(rec.Direction), column, rec.User, rec.Monitor, rec.Freq)
		return props, name
	}
}

// LPIBytesParser stores per protocol byte counts.
type LPIBytesParser struct {
	lpiCollection
}

func NewLPIBytesParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger, protos *lpiProtocols) *LPIBytesParser {
	spec := lpiSpec("bytes", "bytes", lpiUserStreamColumns(), lpiUserUnique())
	return &LPIBytesParser{lpiCollection{
		base:      newBase(spec, store, exp, cache, log),
		protocols: protos,
		column:    "bytes",
		zeroSkip:  true,
		props:     lpiPerUserProps("bytes"),
	}}
}

// LPIPacketsParser stores per protocol packet counts.
type LPIPacketsParser struct {
	lpiCollection
}

func NewLPIPacketsParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger, protos *lpiProtocols) *LPIPacketsParser {
	spec := lpiSpec("packets", "packets", lpiUserStreamColumns(), lpiUserUnique())
	return &LPIPacketsParser{lpiCollection{
		base:      newBase(spec, store, exp, cache, log),
		protocols: protos,
		column:    "packets",
		zeroSkip:  true,
		props:     lpiPerUserProps("packets"),
	}}
}

// LPIFlowsParser stores per protocol flow counts. The flow metric (new,
// currently active or peak) is part of the stream key.
type LPIFlowsParser struct {
	lpiCollection
}

func NewLPIFlowsParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger, protos *lpiProtocols) *LPIFlowsParser {
	streamCols := append(lpiUserStreamColumns(), nntsc.ColumnSpec{Name: "metric", Type: "varchar"})
	unique := append(lpiUserUnique(), "metric")
	spec := lpiSpec("flows", "flows", streamCols, unique)
	return &LPIFlowsParser{lpiCollection{
		base:      newBase(spec, store, exp, cache, log),
		protocols: protos,
		column:    "flows",
		zeroSkip:  true,
		props: func(rec *LPICPStatsRecord, proto string) (map[string]interface{}, string) {
			metric := lpiFlowMetric(rec.Metric)
			props := map[string]interface{}{
				"source":   rec.Monitor,
				"user":     rec.User,
				"dir":      rec.Direction,
				"freq":     rec.Freq,
				"protocol": proto,
				"metric":   metric,
			}
			name := fmt.Sprintf("%s %s flows (%s) for user %s -- measured from %s every %d seconds",
				proto, lpiDirWord(rec.Direction), metric, rec.User, rec.Monitor, rec.Freq)
			return props, name
		},
	}}
}

func lpiFlowMetric(metric string) string {
	switch metric {
	case "new_flows":
		return "new"
	case "curr_flows":
		return "curr"
	case "peak_flows":
		return "peak"
	}
	return metric
}

// LPIUsersParser stores per protocol user counts, active or observed.
// User counts are monitor wide, so the user and direction fields are
// not part of the key, and zero counts are real observations.
type LPIUsersParser struct {
	lpiCollection
}

func NewLPIUsersParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger, protos *lpiProtocols) *LPIUsersParser {
	spec := &nntsc.CollectionSpec{
		Module:      nntsc.ModuleLPI,
		Subtype:     "users",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleLPI, "users"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleLPI, "users"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "freq", Type: "integer"},
			{Name: "protocol", Type: "varchar"},
			{Name: "metric", Type: "varchar"},
		},
		UniqueColumns: []string{"source", "freq", "protocol", "metric"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"protocol"}},
			{Columns: []string{"metric"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "users", Type: "bigint", Null: true},
		},
	}
	return &LPIUsersParser{lpiCollection{
		base:      newBase(spec, store, exp, cache, log),
		protocols: protos,
		column:    "users",
		props: func(rec *LPICPStatsRecord, proto string) (map[string]interface{}, string) {
			metric := lpiUserMetric(rec.Metric)
			props := map[string]interface{}{
				"source":   rec.Monitor,
				"freq":     rec.Freq,
				"protocol": proto,
				"metric":   metric,
			}
			word := "Observed"
			if metric == "active" {
				word = "Active"
			}
			name := fmt.Sprintf("%s %s users -- measured from %s every %d seconds",
				word, proto, rec.Monitor, rec.Freq)
			return props, name
		},
	}}
}

func lpiUserMetric(metric string) string {
	switch metric {
	case "active_ips":
		return "active"
	case "observed_ips":
		return "observed"
	}
	return metric
}

//=====================================================================================
//                       LPI dispatcher
//=====================================================================================

// LPIParser consumes decoded LPICP records and routes stats to the
// collection parser for their metric. A push record publishes a PUSH
// event for every LPI collection, telling export subscribers that the
// batch for the interval is complete.
type LPIParser struct {
	log       zerolog.Logger
	exp       nntsc.Exporter
	protocols *lpiProtocols

	bytes   *LPIBytesParser
	packets *LPIPacketsParser
	flows   *LPIFlowsParser
	users   *LPIUsersParser

	mu     sync.Mutex
	lastTS int64
}

func NewLPIParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *LPIParser {
	protos := newLPIProtocols()
	return &LPIParser{
		log:       log.With().Str("component", "lpi").Logger(),
		exp:       exp,
		protocols: protos,
		bytes:     NewLPIBytesParser(store, exp, cache, log, protos),
		packets:   NewLPIPacketsParser(store, exp, cache, log, protos),
		flows:     NewLPIFlowsParser(store, exp, cache, log, protos),
		users:     NewLPIUsersParser(store, exp, cache, log, protos),
	}
}

// parsers returns the collection parsers behind the dispatcher, for
// registration.
func (p *LPIParser) parsers() []nntsc.Parser {
	return []nntsc.Parser{p.bytes, p.packets, p.flows, p.users}
}

// Process routes one decoded LPICP record.
func (p *LPIParser) Process(ts int64, data interface{}, source string) error {
	msg, ok := data.(*LPICPMessage)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "lpi",
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}

	switch msg.Type {
	case LPICPProtocols:
		p.protocols.set(msg.Monitor, msg.Protocols)
		return nil

	case LPICPStats:
		rec := msg.Stats
		p.mu.Lock()
		if rec.Timestamp > p.lastTS {
			p.lastTS = rec.Timestamp
		}
		p.mu.Unlock()

		switch rec.Metric {
		case "bytes":
			return p.bytes.Process(ts, rec, source)
		case "pkts":
			return p.packets.Process(ts, rec, source)
		case "new_flows", "curr_flows", "peak_flows":
			return p.flows.Process(ts, rec, source)
		case "active_ips", "observed_ips":
			return p.users.Process(ts, rec, source)
		}
		return &nntsc.Error{Kind: nntsc.DataError, Op: "lpi",
			Err: fmt.Errorf("no collection for metric %q", rec.Metric)}

	case LPICPPush:
		p.push()
		return nil
	}

	p.log.Warn().Int("type", msg.Type).Msg("ignoring lpicp record")
	return nil
}

// push publishes a PUSH event for each LPI collection with the newest
// stats timestamp seen. Nothing is published before any stats arrive.
func (p *LPIParser) push() {
	p.mu.Lock()
	ts := p.lastTS
	p.mu.Unlock()
	if p.exp == nil || ts == 0 {
		return
	}
	for _, c := range []*lpiCollection{
		&p.bytes.lpiCollection, &p.packets.lpiCollection,
		&p.flows.lpiCollection, &p.users.lpiCollection,
	} {
		p.exp.PublishPush(c.col.ID, ts)
	}
}
