package parser

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpIcmp Parser
//=====================================================================================

// AmpIcmpParser handles results from the AMP icmp latency test. Each
// report carries one entry per target address; entries resolving to the
// same stream are merged into a single data row for the report
// timestamp.
type AmpIcmpParser struct {
	base
}

func NewAmpIcmpParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpIcmpParser {
	return &AmpIcmpParser{base: newBase(ampIcmpSpec(), store, exp, cache, log)}
}

func ampIcmpSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "icmp",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "icmp"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "icmp"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "family", Type: "varchar"},
			{Name: "packet_size", Type: "varchar"},
			{Name: "address", Type: "inet"},
		},
		UniqueColumns: []string{"source", "destination", "packet_size", "address"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
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

func (p *AmpIcmpParser) streamProperties(source string, r *icmpResult) (map[string]interface{}, string, error) {
	if r.Target == "" || r.Address == "" {
		return nil, "", fmt.Errorf("icmp result for %s missing target or address", source)
	}
	size := sizeString(r.Random, r.PacketSize)
	props := map[string]interface{}{
		"source":      source,
		"destination": r.Target,
		"family":      addressFamily(r.Address),
		"packet_size": size,
		"address":     r.Address,
	}
	name := fmt.Sprintf("icmp %s:%s:%s:%s", source, r.Target, r.Address, size)
	return props, name, nil
}

// MatrixCQ lists the aggregations mirrored into influx for the matrix
// dashboards.
func (p *AmpIcmpParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "median", Func: "mean", As: "median_avg"},
		{Column: "median", Func: "stddev", As: "median_stddev"},
		{Column: "median", Func: "count", As: "median_count"},
		{Column: "loss", Func: "sum", As: "loss_sum"},
	}
}

// Process merges the per-target entries of one icmp report into data
// rows, creating streams for targets seen for the first time.
func (p *AmpIcmpParser) Process(ts int64, data interface{}, source string) error {
	results, ok := data.([]*icmpResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_icmp",
			Err: fmt.Errorf("unexpected payload type %T", data)}
	}
	return processLatency(&p.base, ts, source, results, p.streamProperties)
}

//=====================================================================================
//                       Shared latency aggregation
//=====================================================================================

// latencyAccum gathers the results reported for one stream during a
// single test run.
type latencyAccum struct {
	packetSize int
	rtts       []int64
	loss       int
	errors     int
	results    int
}

func (a *latencyAccum) update(r *icmpResult) {
	for _, rtt := range r.Rtts {
		if rtt != nil {
			a.rtts = append(a.rtts, *rtt)
			a.results++
		}
	}
	a.loss += r.Loss
	a.errors += r.Icmperrors
	a.results += r.Loss + r.Icmperrors
}

// row aggregates the accumulated results: rtts are sorted for the
// median, then padded with a null per lost or errored probe so the
// array length matches the probe count. The padding must happen after
// the median is taken.
func (a *latencyAccum) row() map[string]interface{} {
	sort.Slice(a.rtts, func(i, j int) bool { return a.rtts[i] < a.rtts[j] })

	values := map[string]interface{}{
		"packet_size": a.packetSize,
		"loss":        a.loss,
		"results":     a.results,
		"icmperrors":  a.errors,
	}

	if m := findMedian(a.rtts); m != nil {
		values["median"] = *m
	} else {
		values["median"] = nil
	}

	padded := make([]*int64, 0, len(a.rtts)+a.loss+a.errors)
	for i := range a.rtts {
		v := a.rtts[i]
		padded = append(padded, &v)
	}
	for i := 0; i < a.loss+a.errors; i++ {
		padded = append(padded, nil)
	}
	values["rtts"] = padded

	if a.results > 0 {
		values["lossrate"] = float64(a.loss) / float64(a.results)
	} else {
		values["lossrate"] = nil
	}
	return values
}

// processLatency is the shared icmp/tcpping processing loop: resolve
// each entry to a stream, merge entries per stream, insert one row per
// stream. Entries with unusable stream properties are logged and
// skipped; database errors abort the report so the broker can requeue
// it.
func processLatency(b *base, ts int64, source string, results []*icmpResult,
	props func(source string, r *icmpResult) (map[string]interface{}, string, error)) error {

	observed := make(map[int]*latencyAccum)
	order := make([]int, 0, len(results))

	for _, r := range results {
		streamProps, name, err := props(source, r)
		if err != nil {
			b.log.Warn().Err(err).Msg("discarding unusable result")
			continue
		}
		id, err := b.stream(name, ts, streamProps)
		if err != nil {
			return err
		}
		acc, ok := observed[id]
		if !ok {
			acc = &latencyAccum{packetSize: r.PacketSize}
			observed[id] = acc
			order = append(order, id)
		}
		acc.update(r)
	}

	for _, id := range order {
		if err := b.insert(id, ts, observed[id].row()); err != nil {
			return err
		}
	}
	return nil
}
