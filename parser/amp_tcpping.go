package parser

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpTcpping Parser
//=====================================================================================

// AmpTcppingParser handles results from the AMP tcpping latency test.
// The row shape matches icmp; streams are keyed on the probed port and
// address family rather than the target address.
type AmpTcppingParser struct {
	base
}

func NewAmpTcppingParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpTcppingParser {
	return &AmpTcppingParser{base: newBase(ampTcppingSpec(), store, exp, cache, log)}
}

func ampTcppingSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "tcpping",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "tcpping"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "tcpping"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "port", Type: "integer"},
			{Name: "family", Type: "varchar"},
			{Name: "packet_size", Type: "varchar"},
		},
		UniqueColumns: []string{"source", "destination", "port", "family", "packet_size"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
			{Columns: []string{"port"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "median", Type: "integer", Null: true},
			{Name: "packet_size", Type: "smallint"},
			{Name: "loss", Type: "smallint", Null: true},
			{Name: "results", Type: "smallint", Null: true},
			{Name: "icmperrors", Type: "smallint", Null: true},
			{Name: "rtts", Type: "integer[]", Null: true},
			{Name: "lossrate", Type: "float", Null: true},
		},
	}
}

func (p *AmpTcppingParser) streamProperties(source string, r *icmpResult) (map[string]interface{}, string, error) {
	if r.Target == "" || r.Address == "" {
		return nil, "", fmt.Errorf("tcpping result for %s missing target or address", source)
	}
	if r.Port == 0 {
		return nil, "", fmt.Errorf("tcpping result for %s missing port", source)
	}
	size := sizeString(r.Random, r.PacketSize)
	family := addressFamily(r.Address)
	props := map[string]interface{}{
		"source":      source,
		"destination": r.Target,
		"port":        r.Port,
		"family":      family,
		"packet_size": size,
	}
	name := fmt.Sprintf("tcpping %s:%s:%s:%s:%s",
		source, r.Target, strconv.Itoa(r.Port), family, size)
	return props, name, nil
}

// MatrixCQ matches the icmp aggregations; the matrix treats both
// latency tests the same way.
func (p *AmpTcppingParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "median", Func: "mean", As: "median_avg"},
		{Column: "median", Func: "stddev", As: "median_stddev"},
		{Column: "median", Func: "count", As: "median_count"},
		{Column: "loss", Func: "sum", As: "loss_sum"},
	}
}

// Process merges the per-target entries of one tcpping report into data
// rows, creating streams for targets seen for the first time.
func (p *AmpTcppingParser) Process(ts int64, data interface{}, source string) error {
	results, ok := data.([]*icmpResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_tcpping",
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}
	return processLatency(&p.base, ts, source, results, p.streamProperties)
}
