package parser

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       RRD Smokeping
//=====================================================================================

// RRDSmokepingParser stores smokeping latency data polled from RRD
// files. The fetched cells are uptime, loss, median, then the
// individual pings. Uptime is dropped. Latencies are stored in
// milliseconds.
type RRDSmokepingParser struct {
	base
}

func NewRRDSmokepingParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *RRDSmokepingParser {
	return &RRDSmokepingParser{newBase(rrdSmokepingSpec(), store, exp, cache, log)}
}

func rrdSmokepingSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleRRD,
		Subtype:     "smokeping",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleRRD, "smokeping"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleRRD, "smokeping"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "filename", Type: "varchar"},
			{Name: "source", Type: "varchar"},
			{Name: "host", Type: "varchar"},
			{Name: "family", Type: "varchar"},
			{Name: "minres", Type: "integer", Default: "300"},
			{Name: "highrows", Type: "integer", Default: "1008"},
		},
		UniqueColumns: []string{"filename", "source", "host", "family"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"host"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "loss", Type: "smallint", Null: true},
			{Name: "pingsent", Type: "smallint", Null: true},
			{Name: "median", Type: "double precision", Null: true},
			{Name: "pings", Type: "double precision[]", Null: true},
			{Name: "lossrate", Type: "float", Null: true},
		},
	}
}

// InsertStream registers a smokeping stream from an RRD list entry.
// The stream is created with no first timestamp; that gets filled in
// once data is read from the file.
func (p *RRDSmokepingParser) InsertStream(params map[string]string) (int, error) {
	for _, req := range []string{"file", "source", "host", "name", "family"} {
		if _, ok := params[req]; !ok {
			return 0, &nntsc.Error{Kind: nntsc.DataError, Op: "rrd_smokeping",
				Err: fmt.Errorf("missing %q parameter", req)}
		}
	}

	props := map[string]interface{}{
		"filename": params["file"],
		"source":   params["source"],
		"host":     params["host"],
		"family":   params["family"],
		"minres":   rrdIntParam(params, "minres", 300),
		"highrows": rrdIntParam(params, "highrows", 1008),
	}
	return p.stream(params["name"], 0, props)
}

// ProcessPolled stores one fetched RRD row. Cells that were NaN in the
// file insert as NULL.
func (p *RRDSmokepingParser) ProcessPolled(streamID int, ts int64, cells []*float64) error {
	values := make(map[string]interface{}, 5)

	var loss *int64
	if len(cells) > 1 && cells[1] != nil {
		l := int64(*cells[1])
		loss = &l
		values["loss"] = l
	}
	if len(cells) > 2 && cells[2] != nil {
		values["median"] = roundMillis(*cells[2])
	}

	pings := make([]*float64, 0, len(cells))
	for _, c := range cells[pingCellOffset(cells):] {
		if c == nil {
			pings = append(pings, nil)
			continue
		}
		ms := roundMillis(*c)
		pings = append(pings, &ms)
	}
	values["pings"] = pings
	values["pingsent"] = len(pings)

	if len(pings) > 0 && loss != nil {
		values["lossrate"] = float64(*loss) / float64(len(pings))
	}

	return p.insert(streamID, ts, values)
}

// pingCellOffset is where the individual ping results start. Cells
// before it are uptime, loss and median.
func pingCellOffset(cells []*float64) int {
	if len(cells) < 3 {
		return len(cells)
	}
	return 3
}

// roundMillis converts seconds to milliseconds, rounded to 6 decimal
// places so repeated polls of the same row store identical values.
func roundMillis(seconds float64) float64 {
	return math.Round(seconds*1000.0*1e6) / 1e6
}

func rrdIntParam(params map[string]string, key string, def int) int {
	if s, ok := params[key]; ok {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

// MatrixCQ returns the continuous query columns used to keep the
// matrix view fresh.
func (p *RRDSmokepingParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "median", Func: "mean", As: "median_avg"},
		{Column: "median", Func: "stddev", As: "median_stddev"},
		{Column: "median", Func: "count", As: "median_count"},
		{Column: "loss", Func: "sum", As: "loss_sum"},
	}
}
