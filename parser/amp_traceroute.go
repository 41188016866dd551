package parser

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpTraceroute Parser
//=====================================================================================

// tracerouteQueryable lists the data columns clients may fetch from the
// traceroute collection. Anything else in a column list is discarded.
var tracerouteQueryable = map[string]bool{
	"stream_id":   true,
	"timestamp":   true,
	"packet_size": true,
	"length":      true,
	"error_type":  true,
	"error_code":  true,
	"hop_rtt":     true,
	"path":        true,
}

// AmpTracerouteParser handles results from the AMP traceroute test. Each
// observed path is stored as parallel hop address and hop rtt arrays.
type AmpTracerouteParser struct {
	base
}

func NewAmpTracerouteParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpTracerouteParser {
	return &AmpTracerouteParser{base: newBase(ampTracerouteSpec(), store, exp, cache, log)}
}

func ampTracerouteSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "traceroute",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "traceroute"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "traceroute"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "packet_size", Type: "varchar"},
			{Name: "address", Type: "inet"},
		},
		UniqueColumns: []string{"source", "destination", "packet_size", "address"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "packet_size", Type: "integer"},
			{Name: "length", Type: "integer"},
			{Name: "error_type", Type: "integer", Null: true},
			{Name: "error_code", Type: "integer", Null: true},
			{Name: "hop_rtt", Type: "integer[]"},
			{Name: "path", Type: "inet[]"},
		},
	}
}

func (p *AmpTracerouteParser) streamProperties(source string, r *tracerouteResult) (map[string]interface{}, string, error) {
	if r.Target == "" || r.Address == "" {
		return nil, "", fmt.Errorf("traceroute result for %s missing target or address", source)
	}
	size := sizeString(r.Random, r.PacketSize)
	props := map[string]interface{}{
		"source":      source,
		"destination": r.Target,
		"packet_size": size,
		"address":     r.Address,
	}
	name := fmt.Sprintf("traceroute %s:%s:%s:%s", source, r.Target, r.Address, size)
	return props, name, nil
}

// Process inserts one row per observed path. Unresponsive hops keep
// their slot in both arrays as nulls so path and hop_rtt stay aligned.
func (p *AmpTracerouteParser) Process(ts int64, data interface{}, source string) error {
	results, ok := data.([]*tracerouteResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_traceroute",
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}

	for _, r := range results {
		props, name, err := p.streamProperties(source, r)
		if err != nil {
			p.log.Warn().Err(err).Msg("discarding unusable result")
			continue
		}
		id, err := p.stream(name, ts, props)
		if err != nil {
			return err
		}

		path := make([]*string, len(r.Hops))
		rtts := make([]*int64, len(r.Hops))
		for i, hop := range r.Hops {
			path[i] = hop.Address
			rtts[i] = hop.RTT
		}
		length := r.Length
		if length == 0 {
			length = len(r.Hops)
		}
		values := map[string]interface{}{
			"packet_size": r.PacketSize,
			"length":      length,
			"error_type":  derefInt(r.ErrorType),
			"error_code":  derefInt(r.ErrorCode),
			"hop_rtt":     rtts,
			"path":        path,
		}
		if err := p.insert(id, ts, values); err != nil {
			return err
		}
	}
	return nil
}

// SanitiseColumns filters requested columns down to the queryable set.
func (p *AmpTracerouteParser) SanitiseColumns(cols []string) []string {
	kept := make([]string, 0, len(cols))
	for _, c := range cols {
		if tracerouteQueryable[c] {
			kept = append(kept, c)
		}
	}
	return kept
}
