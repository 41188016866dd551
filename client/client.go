// The client package speaks the query protocol from the client side. A
// Conn sends requests and yields decoded server messages one at a time,
// with the version handshake handled internally. The retired
// ACTIVE_STREAMS request has no method here; servers only ever refuse
// it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/protocol"
)

// ErrVersionMismatch is returned by Next when the server speaks a
// different protocol version. The connection is closed before it is
// returned.
var ErrVersionMismatch = errors.New("protocol version mismatch")

// Conn is one client connection. One goroutine may read with Next
// while another sends requests, but sends must not overlap each other.
type Conn struct {
	nc  net.Conn
	br  *bufio.Reader
	log zerolog.Logger
}

// Dial connects to a server and announces our protocol version.
func Dial(ctx context.Context, addr string, logger zerolog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := New(nc, logger)
	if err := c.send(protocol.MsgVersionCheck, protocol.VersionCheck{Version: protocol.APIVersion}); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection. Callers that bypass Dial must
// send their own VERSION_CHECK before anything else, the server hangs
// up otherwise.
func New(nc net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		nc:  nc,
		br:  bufio.NewReader(nc),
		log: logger.With().Str("component", "client").Logger(),
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// SetDeadline bounds both pending and future reads and writes.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

func (c *Conn) send(msgType uint8, v interface{}) error {
	if err := protocol.Encode(c.nc, msgType, v); err != nil {
		return fmt.Errorf("client: send %s: %w", protocol.MsgName(msgType), err)
	}
	return nil
}

// RequestCollections asks for the collection catalogue.
func (c *Conn) RequestCollections() error {
	return c.send(protocol.MsgRequest, protocol.Request{Type: protocol.ReqCollections})
}

// RequestSchemas asks for the stream and data columns of a collection.
func (c *Conn) RequestSchemas(colID int) error {
	return c.send(protocol.MsgRequest, protocol.Request{
		Type:       protocol.ReqSchemas,
		Collection: uint32(colID),
	})
}

// RequestStreams asks for the streams of a collection with ids above
// minID. Pass zero for the full set; the reply arrives in chunks with
// More set on all but the last.
func (c *Conn) RequestStreams(colID, minID int) error {
	return c.send(protocol.MsgRequest, protocol.Request{
		Type:       protocol.ReqStreams,
		Collection: uint32(colID),
		Start:      uint32(minID),
	})
}

// Subscribe asks for history over the subscription window and, when
// the window is open ended, live delivery after it.
func (c *Conn) Subscribe(sub protocol.Subscribe) error {
	return c.send(protocol.MsgSubscribe, sub)
}

// Aggregate asks for binned aggregated history.
func (c *Conn) Aggregate(req protocol.Aggregate) error {
	return c.send(protocol.MsgAggregate, req)
}

// Percentile asks for binned percentile history.
func (c *Conn) Percentile(req protocol.Percentile) error {
	return c.send(protocol.MsgPercentile, req)
}

// Cancelled reports a query the server gave up on. The context pointer
// matching Request is set; all three are nil when the server attached
// no context, as happens when a live feed overflows.
type Cancelled struct {
	Request uint8
	Schemas *protocol.SchemasContext
	Streams *protocol.StreamsContext
	History *protocol.HistoryContext
}

// Next reads server messages until one is worth returning: one of
// protocol.Collections, protocol.Schemas, protocol.Streams,
// protocol.History, protocol.Live, protocol.Push or Cancelled. A
// matching VERSION_CHECK from the server is swallowed; a mismatch
// closes the connection and returns ErrVersionMismatch.
func (c *Conn) Next() (interface{}, error) {
	for {
		f, err := protocol.ReadFrame(c.br)
		if err != nil {
			return nil, err
		}
		msg, err := c.decode(f)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (c *Conn) decode(f protocol.Frame) (interface{}, error) {
	switch f.Type {
	case protocol.MsgVersionCheck:
		var vc protocol.VersionCheck
		if err := protocol.DecodeBody(f.Type, f.Body, &vc); err != nil {
			return nil, err
		}
		if vc.Version != protocol.APIVersion {
			c.Close()
			return nil, fmt.Errorf("client: server speaks %q, we speak %q: %w",
				vc.Version, protocol.APIVersion, ErrVersionMismatch)
		}
		c.log.Debug().Str("version", vc.Version).Msg("server version verified")
		return nil, nil
	case protocol.MsgCollections:
		var msg protocol.Collections
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgSchemas:
		var msg protocol.Schemas
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgStreams:
		var msg protocol.Streams
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgHistory:
		var msg protocol.History
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgLive:
		var msg protocol.Live
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgPush:
		var msg protocol.Push
		if err := protocol.DecodeBody(f.Type, f.Body, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case protocol.MsgQueryCancelled:
		var qc protocol.QueryCancelled
		if err := protocol.DecodeBody(f.Type, f.Body, &qc); err != nil {
			return nil, err
		}
		return decodeCancelled(qc)
	default:
		return nil, fmt.Errorf("client: unexpected %s message from server", protocol.MsgName(f.Type))
	}
}

func decodeCancelled(qc protocol.QueryCancelled) (Cancelled, error) {
	out := Cancelled{Request: qc.Request}
	if len(qc.Context) == 0 || string(qc.Context) == "null" {
		return out, nil
	}
	switch qc.Request {
	case protocol.MsgSchemas:
		var sctx protocol.SchemasContext
		if err := protocol.DecodeBody(protocol.MsgQueryCancelled, qc.Context, &sctx); err != nil {
			return out, err
		}
		out.Schemas = &sctx
	case protocol.MsgStreams:
		var sctx protocol.StreamsContext
		if err := protocol.DecodeBody(protocol.MsgQueryCancelled, qc.Context, &sctx); err != nil {
			return out, err
		}
		out.Streams = &sctx
	case protocol.MsgHistory:
		var hctx protocol.HistoryContext
		if err := protocol.DecodeBody(protocol.MsgQueryCancelled, qc.Context, &hctx); err != nil {
			return out, err
		}
		out.History = &hctx
	}
	return out, nil
}

// StreamLabels converts a bare stream id list into the label form the
// server speaks, one label per stream named after its id. Old clients
// asked for history by id list.
func StreamLabels(ids []int) map[string][]int {
	labels := make(map[string][]int, len(ids))
	for _, id := range ids {
		labels[strconv.Itoa(id)] = []int{id}
	}
	return labels
}
