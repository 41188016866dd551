package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/protocol"
)

// writeTimeout bounds a single frame write. A client that cannot take
// a frame for this long is beyond saving.
const writeTimeout = 30 * time.Second

// streamsChunkSize is how many stream rows go into one STREAMS message.
const streamsChunkSize = 1000

// outMsg is one encoded message waiting for the writer goroutine.
type outMsg struct {
	msgType uint8
	body    []byte
}

type conn struct {
	srv    *Server
	nc     net.Conn
	log    zerolog.Logger
	out    chan outMsg
	cancel context.CancelFunc

	// verified flips once the client has echoed our version. Reader
	// goroutine only.
	verified bool

	mu       sync.Mutex
	subs     []*subscription
	watching map[int]bool // collection ids whose new streams we forward
	failure  string
}

// ServeConn runs one client session over nc and blocks until it ends.
// Run calls it for every accepted socket; tests drive it directly with
// a pipe.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	metrics.ClientCount.Inc()
	defer metrics.ClientCount.Dec()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &conn{
		srv:      s,
		nc:       nc,
		log:      s.log.With().Str("client", nc.RemoteAddr().String()).Logger(),
		out:      make(chan outMsg, s.queueSize),
		cancel:   cancel,
		watching: make(map[int]bool),
	}
	s.addConn(c)
	defer s.removeConn(c)

	// announce our protocol version before accepting anything
	body, err := protocol.EncodeBody(protocol.MsgVersionCheck,
		protocol.VersionCheck{Version: protocol.APIVersion})
	if err != nil {
		c.log.Error().Err(err).Msg("encode version check")
		nc.Close()
		return
	}
	c.out <- outMsg{protocol.MsgVersionCheck, body}

	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		// break blocked socket calls once the session is over
		<-gctx.Done()
		nc.SetDeadline(time.Now())
		return nil
	})
	if err := g.Wait(); err != nil {
		c.log.Warn().Err(err).Msg("client session ended")
		return
	}
	c.log.Debug().Msg("client disconnected")
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		f, err := protocol.ReadFrame(c.nc)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := c.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	defer c.nc.Close()
	defer c.sendFinalCancel()
	for {
		select {
		case m := <-c.out:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(c.nc, m.msgType, m.body); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write %s: %w", protocol.MsgName(m.msgType), err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// enqueue queues a message for the writer, blocking until there is
// room. Request handlers use it so a slow client backpressures only
// its own queries.
func (c *conn) enqueue(ctx context.Context, m outMsg) error {
	select {
	case c.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) send(ctx context.Context, msgType uint8, v interface{}) error {
	body, err := protocol.EncodeBody(msgType, v)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outMsg{msgType, body})
}

// trySend enqueues without blocking. The queue filling up means the
// client cannot keep pace with its live feed; the connection is
// dropped rather than letting it backpressure the dispatcher.
func (c *conn) trySend(msgType uint8, v interface{}) bool {
	body, err := protocol.EncodeBody(msgType, v)
	if err != nil {
		c.log.Error().Err(err).Str("msg", protocol.MsgName(msgType)).Msg("encode live message")
		return false
	}
	select {
	case c.out <- outMsg{msgType, body}:
		return true
	default:
		metrics.QueryCancelledCount.WithLabelValues("live").Inc()
		c.fail("send queue overflow")
		return false
	}
}

// fail tears the connection down. The reason reaches the client as a
// final QUERY_CANCELLED when the socket still allows a write.
func (c *conn) fail(reason string) {
	c.mu.Lock()
	first := c.failure == ""
	if first {
		c.failure = reason
	}
	c.mu.Unlock()
	if first {
		c.log.Warn().Str("reason", reason).Msg("dropping client")
	}
	c.cancel()
}

// sendFinalCancel tells a dropped client why it is going away. Best
// effort: the frame goes straight to the socket with a short deadline,
// bypassing the full queue.
func (c *conn) sendFinalCancel() {
	c.mu.Lock()
	reason := c.failure
	c.mu.Unlock()
	if reason == "" {
		return
	}
	msg, err := protocol.NewQueryCancelled(protocol.MsgLive, nil)
	if err != nil {
		return
	}
	body, err := protocol.EncodeBody(protocol.MsgQueryCancelled, msg)
	if err != nil {
		return
	}
	c.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	protocol.WriteFrame(c.nc, protocol.MsgQueryCancelled, body)
}

func (c *conn) sendCancelled(ctx context.Context, request string, msgType uint8, qc interface{}) error {
	metrics.QueryCancelledCount.WithLabelValues(request).Inc()
	msg, err := protocol.NewQueryCancelled(msgType, qc)
	if err != nil {
		return err
	}
	return c.send(ctx, protocol.MsgQueryCancelled, msg)
}

func (c *conn) handle(ctx context.Context, f protocol.Frame) error {
	if !c.verified {
		return c.handleVersionCheck(f)
	}
	switch f.Type {
	case protocol.MsgRequest:
		req, err := protocol.DecodeRequest(f.Body)
		if err != nil {
			return err
		}
		return c.handleRequest(ctx, req)
	case protocol.MsgSubscribe:
		var sub protocol.Subscribe
		if err := protocol.DecodeBody(f.Type, f.Body, &sub); err != nil {
			return fmt.Errorf("decode subscribe: %w", err)
		}
		metrics.QueryCount.WithLabelValues("subscribe").Inc()
		return c.handleSubscribe(ctx, sub)
	case protocol.MsgAggregate:
		var agg protocol.Aggregate
		if err := protocol.DecodeBody(f.Type, f.Body, &agg); err != nil {
			return fmt.Errorf("decode aggregate: %w", err)
		}
		metrics.QueryCount.WithLabelValues("aggregate").Inc()
		return c.handleAggregate(ctx, agg)
	case protocol.MsgPercentile:
		var pct protocol.Percentile
		if err := protocol.DecodeBody(f.Type, f.Body, &pct); err != nil {
			return fmt.Errorf("decode percentile: %w", err)
		}
		metrics.QueryCount.WithLabelValues("percentile").Inc()
		return c.handlePercentile(ctx, pct)
	default:
		return fmt.Errorf("unexpected %s message from client", protocol.MsgName(f.Type))
	}
}

func (c *conn) handleVersionCheck(f protocol.Frame) error {
	if f.Type != protocol.MsgVersionCheck {
		return fmt.Errorf("expected VERSION_CHECK, got %s", protocol.MsgName(f.Type))
	}
	var vc protocol.VersionCheck
	if err := protocol.DecodeBody(f.Type, f.Body, &vc); err != nil {
		return fmt.Errorf("decode version check: %w", err)
	}
	if vc.Version != protocol.APIVersion {
		return fmt.Errorf("client version %q does not match %q", vc.Version, protocol.APIVersion)
	}
	c.verified = true
	return nil
}

func (c *conn) handleRequest(ctx context.Context, req protocol.Request) error {
	switch req.Type {
	case protocol.ReqCollections:
		metrics.QueryCount.WithLabelValues("collections").Inc()
		return c.handleCollections(ctx)
	case protocol.ReqSchemas:
		metrics.QueryCount.WithLabelValues("schemas").Inc()
		return c.handleSchemas(ctx, int(req.Collection))
	case protocol.ReqStreams:
		metrics.QueryCount.WithLabelValues("streams").Inc()
		return c.handleStreams(ctx, int(req.Collection), int(req.Start))
	case protocol.ReqActiveStreams:
		// removed request type; answer with a cancel so old clients do
		// not hang waiting for data
		c.log.Warn().Msg("refusing ACTIVE_STREAMS request")
		return c.sendCancelled(ctx, "streams", protocol.MsgStreams,
			protocol.StreamsContext{Collection: int(req.Collection)})
	default:
		return fmt.Errorf("unknown request subtype %d", req.Type)
	}
}

func (c *conn) handleCollections(ctx context.Context) error {
	cols, err := c.srv.refreshCatalogue()
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	return c.send(ctx, protocol.MsgCollections, protocol.Collections{Collections: cols})
}

func (c *conn) handleSchemas(ctx context.Context, colID int) error {
	streamCols, dataCols, err := c.srv.store.CollectionSchema(colID)
	if err != nil {
		c.log.Warn().Err(err).Int("collection", colID).Msg("schema request failed")
		return c.sendCancelled(ctx, "schemas", protocol.MsgSchemas,
			protocol.SchemasContext{ColID: colID})
	}
	return c.send(ctx, protocol.MsgSchemas, protocol.Schemas{
		Collection:   colID,
		StreamSchema: streamCols,
		DataSchema:   dataCols,
	})
}

func (c *conn) handleStreams(ctx context.Context, colID, minID int) error {
	col, ok, err := c.srv.collection(colID)
	if err == nil && !ok {
		err = fmt.Errorf("unknown collection %d", colID)
	}
	var streams []map[string]interface{}
	if err == nil {
		streams, err = c.srv.store.SelectStreams(col, minID)
	}
	if err != nil {
		c.log.Warn().Err(err).Int("collection", colID).Msg("stream request failed")
		return c.sendCancelled(ctx, "streams", protocol.MsgStreams,
			protocol.StreamsContext{Collection: colID, Boundary: minID})
	}
	for len(streams) > streamsChunkSize {
		if err := c.sendStreams(ctx, colID, streams[:streamsChunkSize], true); err != nil {
			return err
		}
		streams = streams[streamsChunkSize:]
	}
	if err := c.sendStreams(ctx, colID, streams, false); err != nil {
		return err
	}
	c.watchStreams(colID)
	return nil
}

// sendStreams encodes one STREAMS chunk, splitting it in half whenever
// the body outgrows a frame.
func (c *conn) sendStreams(ctx context.Context, colID int, rows []map[string]interface{}, more bool) error {
	body, err := protocol.EncodeBody(protocol.MsgStreams, protocol.Streams{
		Collection: colID,
		More:       more,
		Streams:    rows,
	})
	if errors.Is(err, protocol.ErrBodyTooLarge) && len(rows) > 1 {
		mid := len(rows) / 2
		if err := c.sendStreams(ctx, colID, rows[:mid], true); err != nil {
			return err
		}
		return c.sendStreams(ctx, colID, rows[mid:], more)
	}
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outMsg{protocol.MsgStreams, body})
}

// watchStreams marks the client as a pager of this collection: stream
// births arriving on the bus from here on are forwarded to it.
func (c *conn) watchStreams(colID int) {
	c.mu.Lock()
	c.watching[colID] = true
	c.mu.Unlock()
}
