package parser

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/streamcache"
)

//=====================================================================================
//                       AmpDns Parser
//=====================================================================================

// AmpDnsParser handles results from the AMP dns test. Every queried
// server instance is its own stream; the response is recorded with the
// header flags broken out into individual columns.
type AmpDnsParser struct {
	base
}

func NewAmpDnsParser(store Store, exp nntsc.Exporter, cache *streamcache.Cache, log zerolog.Logger) *AmpDnsParser {
	return &AmpDnsParser{base: newBase(ampDnsSpec(), store, exp, cache, log)}
}

func ampDnsSpec() *nntsc.CollectionSpec {
	return &nntsc.CollectionSpec{
		Module:      nntsc.ModuleAmp,
		Subtype:     "dns",
		StreamTable: nntsc.StreamTableName(nntsc.ModuleAmp, "dns"),
		DataTable:   nntsc.DataTableName(nntsc.ModuleAmp, "dns"),
		StreamColumns: []nntsc.ColumnSpec{
			{Name: "source", Type: "varchar"},
			{Name: "destination", Type: "varchar"},
			{Name: "instance", Type: "varchar"},
			{Name: "address", Type: "inet"},
			{Name: "query", Type: "varchar"},
			{Name: "query_type", Type: "varchar"},
			{Name: "query_class", Type: "varchar"},
			{Name: "udp_payload_size", Type: "integer"},
			{Name: "recurse", Type: "boolean"},
			{Name: "dnssec", Type: "boolean"},
			{Name: "nsid", Type: "boolean"},
		},
		UniqueColumns: []string{"source", "destination", "instance", "address",
			"query", "query_type", "query_class", "udp_payload_size",
			"recurse", "dnssec", "nsid"},
		StreamIndexes: []nntsc.IndexSpec{
			{Columns: []string{"source"}},
			{Columns: []string{"destination"}},
			{Columns: []string{"query"}},
		},
		DataColumns: []nntsc.ColumnSpec{
			{Name: "rtt", Type: "integer", Null: true},
			{Name: "query_len", Type: "smallint", Null: true},
			{Name: "response_size", Type: "smallint", Null: true},
			{Name: "total_answer", Type: "smallint", Null: true},
			{Name: "total_authority", Type: "smallint", Null: true},
			{Name: "total_additional", Type: "smallint", Null: true},
			{Name: "opcode", Type: "smallint", Null: true},
			{Name: "rcode", Type: "smallint", Null: true},
			{Name: "ttl", Type: "integer", Null: true},
			{Name: "flag_qr", Type: "boolean", Null: true},
			{Name: "flag_aa", Type: "boolean", Null: true},
			{Name: "flag_tc", Type: "boolean", Null: true},
			{Name: "flag_rd", Type: "boolean", Null: true},
			{Name: "flag_ra", Type: "boolean", Null: true},
			{Name: "flag_ad", Type: "boolean", Null: true},
			{Name: "flag_cd", Type: "boolean", Null: true},
			{Name: "requests", Type: "smallint"},
		},
	}
}

func (p *AmpDnsParser) streamProperties(source string, r *dnsResult) (map[string]interface{}, string, error) {
	if r.Destination == "" || r.Address == "" || r.Query == "" {
		return nil, "", fmt.Errorf("dns result for %s missing destination, address or query", source)
	}
	instance := r.Instance
	if instance == "" {
		instance = r.Destination
	}
	props := map[string]interface{}{
		"source":           source,
		"destination":      r.Destination,
		"instance":         instance,
		"address":          r.Address,
		"query":            r.Query,
		"query_type":       r.QueryType,
		"query_class":      r.QueryClass,
		"udp_payload_size": r.UDPPayloadSize,
		"recurse":          r.Recurse,
		"dnssec":           r.DNSSEC,
		"nsid":             r.NSID,
	}
	name := fmt.Sprintf("dns %s:%s:%s:%s", source, r.Destination, instance, r.Query)
	return props, name, nil
}

// MatrixCQ lists the aggregations mirrored into influx for the matrix
// dashboards.
func (p *AmpDnsParser) MatrixCQ() []CQ {
	return []CQ{
		{Column: "rtt", Func: "mean", As: "rtt_avg"},
		{Column: "rtt", Func: "stddev", As: "rtt_stddev"},
		{Column: "rtt", Func: "count", As: "rtt_count"},
	}
}

// Process inserts one data row per queried server instance.
func (p *AmpDnsParser) Process(ts int64, data interface{}, source string) error {
	results, ok := data.([]*dnsResult)
	if !ok {
		return &nntsc.Error{Kind: nntsc.DataError, Op: "amp_dns",
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

		requests := r.Requests
		if requests == 0 {
			requests = 1
		}
		values := map[string]interface{}{
			"rtt":              derefInt64(r.RTT),
			"query_len":        derefInt(r.QueryLen),
			"response_size":    derefInt(r.ResponseSize),
			"total_answer":     derefInt(r.TotalAnswer),
			"total_authority":  derefInt(r.TotalAuthority),
			"total_additional": derefInt(r.TotalAdditional),
			"opcode":           derefInt(r.Opcode),
			"rcode":            derefInt(r.Rcode),
			"ttl":              derefInt(r.TTL),
			"requests":         requests,
		}
		// Flags only mean anything when a response came back.
		if r.ResponseSize != nil {
			values["flag_qr"] = r.Flags.QR
			values["flag_aa"] = r.Flags.AA
			values["flag_tc"] = r.Flags.TC
			values["flag_rd"] = r.Flags.RD
			values["flag_ra"] = r.Flags.RA
			values["flag_ad"] = r.Flags.AD
			values["flag_cd"] = r.Flags.CD
		}
		if err := p.insert(id, ts, values); err != nil {
			return err
		}
	}
	return nil
}

func derefInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func derefInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
