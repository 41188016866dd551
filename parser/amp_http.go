package parser

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpHttp Parser
//=====================================================================================

// AmpHttpParser handles results from the AMP http test. A report is a
// single page fetch summary; the fetch configuration forms the stream
// key.
type AmpHttpParser struct {
	base
}

func NewAmpHttpParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpHttpParser {
	return &AmpHttpParser{base: newBase(ampHttpSpec(), store, exp, cache, log)}
}

func ampHttpSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "http",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "http"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "http"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "max_connections", Type: "integer"},
			{Name: "max_connections_per_server", Type: "smallint"},
			{Name: "max_persistent_connections_per_server", Type: "smallint"},
			{Name: "pipelining_max_requests", Type: "smallint"},
			{Name: "persist", Type: "boolean"},
			{Name: "pipelining", Type: "boolean"},
			{Name: "caching", Type: "boolean"},
		},
		UniqueColumns: []string{"source", "destination", "max_connections",
			"max_connections_per_server",
			"max_persistent_connections_per_server",
			"pipelining_max_requests", "persist", "pipelining", "caching"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "server_count", Type: "integer", Null: true},
			{Name: "object_count", Type: "integer", Null: true},
			{Name: "duration", Type: "integer", Null: true},
			{Name: "bytes", Type: "bigint", Null: true},
		},
	}
}

func (p *AmpHttpParser) streamProperties(source string, r *httpResult) (map[string]interface{}, string, error) {
	dest := r.URL
	if dest == "" {
		dest = r.Destination
	}
	if dest == "" {
		return nil, "", fmt.Errorf("http result for %s missing url", source)
	}

	pipeMax := 0
	if r.PipeliningMaxRequests != nil {
		pipeMax = *r.PipeliningMaxRequests
	} else if r.PipeliningMaxRequestsOld != nil {
		pipeMax = *r.PipeliningMaxRequestsOld
	}
	persist := false
	if r.Persist != nil {
		persist = *r.Persist
	} else if r.KeepAlive != nil {
		persist = *r.KeepAlive
	}

	props := map[string]interface{}{
		"source":                     source,
		"destination":                dest,
		"max_connections":            r.MaxConnections,
		"max_connections_per_server": r.MaxConnectionsPerServer,
		"pipelining_max_requests":    pipeMax,
		"persist":                    persist,
		"pipelining":                 r.Pipelining,
		"caching":                    r.Caching,
	}
	props["max_persistent_connections_per_server"] = r.MaxPersistentPerServer
	name := fmt.Sprintf("http %s:%s", source, dest)
	return props, name, nil
}

// Process inserts the page fetch summary as one data row. Durations are
// reported and stored in milliseconds.
func (p *AmpHttpParser) Process(ts int64, data interface{}, source string) error {
	r, ok := data.(*httpResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_http",
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}

	props, name, err := p.streamProperties(source, r)
	if err != nil {
		p.log.Warn().Err(err).Msg("discarding unusable result")
		return nil
	}
	id, err := p.stream(name, ts, props)
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"server_count": derefInt(r.ServerCount),
		"object_count": derefInt(r.ObjectCount),
		"bytes":        derefInt64(r.Bytes),
	}
	if r.Duration != nil {
		values["duration"] = int(*r.Duration)
	} else {
		values["duration"] = nil
	}
	return p.insert(id, ts, values)
}

// MatrixCQ lists the aggregations mirrored into influx for the matrix
// views.
func (p *AmpHttpParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "duration", Func: "mean", As: "duration_avg"},
		{Column: "duration", Func: "stddev", As: "duration_stddev"},
		{Column: "bytes", Func: "max", As: "bytes_max"},
		{Column: "bytes", Func: "mean", As: "bytes_avg"},
		{Column: "bytes", Func: "stddev", As: "bytes_stddev"},
	}
}
