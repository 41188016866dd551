package parser

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       RRD Muninbytes
//=====================================================================================

// RRDMuninbytesParser stores switch interface byte counters polled
// from munin RRD files. Each file has a single data source.
type RRDMuninbytesParser struct {
	base
}

func NewRRDMuninbytesParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *RRDMuninbytesParser {
	return &RRDMuninbytesParser{newBase(rrdMuninbytesSpec(), store, exp, cache, log)}
}

func rrdMuninbytesSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleRRD,
		Subtype:     "muninbytes",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleRRD, "muninbytes"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleRRD, "muninbytes"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "filename", Type: "varchar"},
			{Name: "switch", Type: "varchar"},
			{Name: "interface", Type: "varchar"},
			{Name: "interfacelabel", Type: "varchar", Null: true},
			{Name: "direction", Type: "varchar"},
			{Name: "minres", Type: "integer", Default: "300"},
			{Name: "highrows", Type: "integer", Default: "1008"},
		},
		UniqueColumns: []string{"filename", "interface", "switch", "direction"},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "bytes", Type: "bigint", Null: true},
		},
	}
}

// InsertStream registers a muninbytes stream from an RRD list entry.
func (p *RRDMuninbytesParser) InsertStream(params map[string]string) (int, error) {
	for _, req := range []string{"file", "switch", "interface", "direction", "name"} {
		if _, ok := params[req]; !ok {
			return 0, &nntsc.Error{Kind: nntsc.DataError, Op: "rrd_muninbytes",
				Err: fmt.Errorf("missing %q parameter", req)}
		}
	}

	props := map[string]interface{}{
		"filename":  params["file"],
		"switch":    params["switch"],
		"interface": params["interface"],
		"direction": params["direction"],
		"minres":    rrdIntParam(params, "minres", 300),
		"highrows":  rrdIntParam(params, "highrows", 1008),
	}
	if label, ok := params["interfacelabel"]; ok {
		props["interfacelabel"] = label
	}
	return p.stream(params["name"], 0, props)
}

// ProcessPolled stores one fetched RRD row. The byte counter is the
// only cell.
func (p *RRDMuninbytesParser) ProcessPolled(streamID int, ts int64, cells []*float64) error {
	values := make(map[string]interface{}, 1)
	if len(cells) > 0 && cells[0] != nil {
		values["bytes"] = int64(*cells[0])
	}
	return p.insert(streamID, ts, values)
}
