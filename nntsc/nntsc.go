// The nntsc package provides the major interfaces used across packages.
package nntsc

// ColumnSpec describes one column of a stream or data table.
type ColumnSpec struct {
	Name    string
	Type    string // postgres type, e.g. "varchar", "integer[]", "inet"
	Null    bool
	Default string // literal default, empty for none
}

// IndexSpec describes a secondary index over table columns.
type IndexSpec struct {
	Name    string // empty means derive from table + columns
	Columns []string
}

// CollectionSpec is the static description a parser provides for its
// collection: where streams and data live, and what they look like.
type CollectionSpec struct {
	Module        string
	Subtype       string
	StreamTable   string
	DataTable     string
	StreamColumns []ColumnSpec
	UniqueColumns []string // stream key, subset of StreamColumns
	StreamIndexes []IndexSpec
	DataColumns   []ColumnSpec
	DataIndexes   []IndexSpec
}

// Name returns the canonical collection name, e.g. "amp_icmp".
func (cs *CollectionSpec) Name() string {
	return CollectionName(cs.Module, cs.Subtype)
}

// Collection is a registered collection as stored in the collections table.
type Collection struct {
	ID          int    `db:"id" json:"id"`
	Module      string `db:"module" json:"module"`
	Subtype     string `db:"modsubtype" json:"modsubtype"`
	StreamTable string `db:"streamtable" json:"streamtable"`
	DataTable   string `db:"datatable" json:"datatable"`
}

// Name returns the canonical collection name, e.g. "amp_icmp".
func (c Collection) Name() string {
	return CollectionName(c.Module, c.Subtype)
}

// A Processor consumes one decoded measurement payload. Most parsers
// are full Parsers; a Processor alone is enough to receive broker
// payloads, which lets a dispatcher fan one payload out to several
// collections.
type Processor interface {
	Process(ts int64, data interface{}, source string) error
}

// A Registrar owns one collection:
//   Spec - the table layout for the collection.
//   Register - create the tables and register the collection.
//   RegisterExisting - load an already known stream into the local key map.
//   Flush - write back stream bookkeeping after a successful commit.
type Registrar interface {
	Spec() *CollectionSpec
	Register() error
	RegisterExisting(stream map[string]interface{})
	Flush() error
}

// A Parser normalizes decoded measurements into streams and rows,
// creating streams as needed.
type Parser interface {
	Registrar
	Processor
}

// A PolledParser consumes rows fetched from an RRD file rather than broker
// messages. The poller owns stream discovery, so processing is keyed by an
// existing stream id.
type PolledParser interface {
	Registrar

	// InsertStream registers a stream described by an RRD list entry and
	// returns its id.
	InsertStream(params map[string]string) (int, error)

	// ProcessPolled inserts one fetched row. Cells are in RRD data-source
	// order; nil means the cell was NaN.
	ProcessPolled(streamID int, ts int64, cells []*float64) error
}

// A Decoder turns a raw broker message body into the structured payload a
// Parser expects. Decoders are replaceable per test type.
type Decoder interface {
	Decode(body []byte) (interface{}, error)
}

//========================================================================
// Interfaces to allow fakes.
//========================================================================

// Exporter publishes stream-birth and live-data events. Parsers hold one;
// a nil Exporter disables export.
type Exporter interface {
	PublishStream(colID int, name string, streamID int, properties map[string]interface{})
	PublishLive(name string, streamID int, ts int64, row map[string]interface{})
	PublishPush(colID int, ts int64)
}
