package parser

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpThroughput Parser
//=====================================================================================

// AmpThroughputParser handles results from the AMP throughput test. The
// requested transfer settings form the stream key; the measured runtime,
// byte count and rate are the data.
type AmpThroughputParser struct {
	base
}

func NewAmpThroughputParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpThroughputParser {
	return &AmpThroughputParser{base: newBase(ampThroughputSpec(), store, exp, cache, log)}
}

func ampThroughputSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "throughput",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "throughput"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "throughput"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "direction", Type: "varchar"},
			{Name: "address", Type: "inet"},
			{Name: "duration", Type: "integer"},
			{Name: "writesize", Type: "integer"},
			{Name: "tcpreused", Type: "boolean"},
		},
		UniqueColumns: []string{"source", "destination", "direction",
			"address", "duration", "writesize", "tcpreused"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "duration", Type: "bigint", Null: true},
			{Name: "bytes", Type: "bigint", Null: true},
			{Name: "rate", Type: "float", Null: true},
		},
	}
}

func (p *AmpThroughputParser) streamProperties(source string, r *throughputResult) (map[string]interface{}, string, error) {
	if r.Target == "" || r.Address == "" {
		return nil, "", fmt.Errorf("throughput result for %s missing target or address", source)
	}
	if r.Direction != "in" && r.Direction != "out" {
		return nil, "", fmt.Errorf("throughput result for %s has direction %q", source, r.Direction)
	}
	props := map[string]interface{}{
		"source":      source,
		"destination": r.Target,
		"direction":   r.Direction,
		"address":     r.Address,
		"duration":    r.Duration,
		"writesize":   r.WriteSize,
		"tcpreused":   r.TCPReused,
	}
	name := fmt.Sprintf("throughput %s:%s:%s:%s", source, r.Target, r.Direction, r.Address)
	return props, name, nil
}

// Process inserts one row per transfer direction. A missing rate is
// derived from the byte count and runtime, in Mbps.
func (p *AmpThroughputParser) Process(ts int64, data interface{}, source string) error {
	results, ok := data.([]*throughputResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_throughput",
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

		runtime := r.Runtime
		if runtime == nil && r.Duration > 0 {
			runtime = &r.Duration
		}
		values := map[string]interface{}{
			"duration": derefInt64(runtime),
			"bytes":    derefInt64(r.Bytes),
			"rate":     rateMbps(r.Rate, r.Bytes, runtime),
		}
		if err := p.insert(id, ts, values); err != nil {
			return err
		}
	}
	return nil
}

// rateMbps prefers the reported rate, otherwise derives it from bytes
// over the measured runtime.
func rateMbps(rate *float64, bytes, runtimeMs *int64) interface{} {
	if rate != nil {
		return *rate
	}
	if bytes == nil || runtimeMs == nil || *runtimeMs <= 0 {
		return nil
	}
	return float64(*bytes) * 8.0 / (float64(*runtimeMs) / 1000.0) / 1e6
}

// MatrixCQ lists the aggregations mirrored into influx for the matrix
// views.
func (p *AmpThroughputParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "rate", Func: "mean", As: "rate_avg"},
		{Column: "rate", Func: "stddev", As: "rate_stddev"},
		{Column: "bytes", Func: "sum", As: "bytes_sum"},
		{Column: "duration", Func: "sum", As: "duration_sum"},
	}
}
