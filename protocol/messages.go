package protocol

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"

	"github.com/wanduow/nntsc/nntsc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VersionCheck announces the sender's API version. Both ends send one
// immediately after connecting and compare.
type VersionCheck struct {
	Version string `json:"version"`
}

// Collections answers ReqCollections with the full collection catalogue.
type Collections struct {
	Collections []nntsc.Collection `json:"collections"`
}

// Schemas answers ReqSchemas with the column names of one collection.
type Schemas struct {
	Collection   int      `json:"collection"`
	StreamSchema []string `json:"streamschema"`
	DataSchema   []string `json:"dataschema"`
}

// Streams carries one chunk of stream rows for a collection. More is set
// on every chunk except the last.
type Streams struct {
	Collection int                      `json:"collection"`
	More       bool                     `json:"more"`
	Streams    []map[string]interface{} `json:"streams"`
}

// History carries one chunk of query results for a single label. More is
// set while further chunks for the same label follow. Freq is the
// measurement cadence inferred from the rows, zero when unknown.
type History struct {
	Collection string                   `json:"collection"`
	Label      string                   `json:"label"`
	Data       []map[string]interface{} `json:"data"`
	More       bool                     `json:"more"`
	Binsize    int64                    `json:"binsize"`
	Freq       int64                    `json:"freq"`
}

// Live carries a single measurement row to a subscribed client. The
// row includes a timestamp column.
type Live struct {
	Collection string                 `json:"collection"`
	StreamID   int                    `json:"streamid"`
	Data       map[string]interface{} `json:"data"`
}

// Push tells exporting clients that a batch for a collection has been
// committed up to the given timestamp.
type Push struct {
	Collection int   `json:"collection"`
	Timestamp  int64 `json:"timestamp"`
}

// Subscribe asks for history over [Start, End] plus live delivery when
// End is zero or in the future. Labels maps a client-chosen label to the
// stream ids it covers; Aggs, when present, pairs with Columns to select
// aggregated rather than raw rows.
type Subscribe struct {
	Name    string           `json:"name"`
	Start   int64            `json:"start"`
	End     int64            `json:"end"`
	Columns []string         `json:"columns"`
	Labels  map[string][]int `json:"labels"`
	Aggs    []string         `json:"aggs"`
}

// Aggregate asks for binned, aggregated history. AggFunc is applied to
// every column in AggColumns.
type Aggregate struct {
	Collection   int              `json:"collection"`
	Start        int64            `json:"start"`
	End          int64            `json:"end"`
	Labels       map[string][]int `json:"labels"`
	AggColumns   []string         `json:"aggcolumns"`
	GroupColumns []string         `json:"groupcolumns"`
	Binsize      int64            `json:"binsize"`
	AggFunc      string           `json:"aggfunc"`
}

// Percentile asks for binned percentile summaries. NtileColumns get the
// ntile treatment, OtherColumns are aggregated with OtherAggFunc.
type Percentile struct {
	Collection   int              `json:"collection"`
	Start        int64            `json:"start"`
	End          int64            `json:"end"`
	Labels       map[string][]int `json:"labels"`
	Binsize      int64            `json:"binsize"`
	NtileColumns []string         `json:"ntilecolumns"`
	OtherColumns []string         `json:"othercolumns"`
	NtileAggFunc string           `json:"ntileaggfunc"`
	OtherAggFunc string           `json:"otheraggfunc"`
}

// QueryCancelled reports a timed-out query. Context identifies what was
// being asked; its shape depends on Request.
type QueryCancelled struct {
	Request uint8               `json:"request"`
	Context jsoniter.RawMessage `json:"context"`
}

// SchemasContext is the QueryCancelled context for a SCHEMAS request.
type SchemasContext struct {
	ColID int `json:"colid"`
}

// StreamsContext is the QueryCancelled context for a STREAMS request.
// Boundary is the highest stream id already delivered.
type StreamsContext struct {
	Collection int `json:"collection"`
	Boundary   int `json:"boundary"`
}

// HistoryContext is the QueryCancelled context for a HISTORY request.
type HistoryContext struct {
	Collection string           `json:"collection"`
	Labels     map[string][]int `json:"labels"`
	Start      int64            `json:"start"`
	End        int64            `json:"end"`
	More       bool             `json:"more"`
}

// NewQueryCancelled builds a QueryCancelled for the given request type
// and context struct.
func NewQueryCancelled(request uint8, context interface{}) (QueryCancelled, error) {
	raw, err := json.Marshal(context)
	if err != nil {
		return QueryCancelled{}, err
	}
	return QueryCancelled{Request: request, Context: raw}, nil
}

// Encode marshals v as the body for msgType and frames it. HISTORY
// bodies are compressed before framing.
func Encode(w io.Writer, msgType uint8, v interface{}) error {
	body, err := EncodeBody(msgType, v)
	if err != nil {
		return err
	}
	return WriteFrame(w, msgType, body)
}

// EncodeBody marshals v into the wire body for msgType without framing.
func EncodeBody(msgType uint8, v interface{}) ([]byte, error) {
	if msgType == MsgRequest {
		req, ok := v.(Request)
		if !ok {
			return nil, fmt.Errorf("protocol: REQUEST body must be a Request, got %T", v)
		}
		return EncodeRequest(req), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if msgType == MsgHistory {
		body, err = deflate(body)
		if err != nil {
			return nil, err
		}
	}
	if len(body) > MaxBodyLen {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// DecodeBody unmarshals a received body into v, undoing HISTORY
// compression first. v must be a pointer.
func DecodeBody(msgType uint8, body []byte, v interface{}) error {
	if msgType == MsgHistory {
		var err error
		body, err = inflate(body)
		if err != nil {
			return err
		}
	}
	return json.Unmarshal(body, v)
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(raw []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
