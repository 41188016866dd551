package nntsc

// Measurement modules. Each collection belongs to one.
const (
	ModuleAmp = "amp"
	ModuleLPI = "lpi"
	ModuleRRD = "rrd"
)

// CollectionName builds the canonical name used in export events, broker
// subjects and SUBSCRIBE requests.
func CollectionName(module, subtype string) string {
	if subtype == "" {
		return module
	}
	return module + "_" + subtype
}

// StreamTableName returns the per-collection stream table name.
func StreamTableName(module, subtype string) string {
	return "streams_" + CollectionName(module, subtype)
}

// DataTableName returns the per-collection data table name.
func DataTableName(module, subtype string) string {
	return "data_" + CollectionName(module, subtype)
}

// Aggregation functions accepted by the query engine. "most" is the
// statistical mode, installed as a custom aggregate; "most_array" applies
// it to array columns by joining, taking the mode and splitting again.
var AggregationFunctions = map[string]bool{
	"min":        true,
	"max":        true,
	"avg":        true,
	"sum":        true,
	"count":      true,
	"stddev":     true,
	"most":       true,
	"most_array": true,
}
