// Package server is the client-facing TCP query service. It answers
// catalogue, schema and stream requests, streams historical query
// results as HISTORY chunks, and forwards live measurements from the
// export bus to subscribed clients.
//
// Each connection runs a reader and a writer goroutine joined by a
// bounded outgoing queue. The reader decodes requests and executes
// them in order; the writer frames queued messages onto the socket.
// Live events are fanned in by a single dispatcher that never blocks
// on any one client: a connection that cannot drain its queue is cut
// loose with a QUERY_CANCELLED.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/export"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/store"
	"github.com/wanduow/nntsc/streamcache"
)

// Rows is the iterator shape produced by historical queries. The
// store's cursor-backed result satisfies it.
type Rows interface {
	Next() bool
	Row() map[string]interface{}
	Label() string
	Timestamp() int64
	Binsize() int64
	Err() error
	Close()
}

// Store is the slice of the measurement store the query server needs.
type Store interface {
	ListCollections() ([]nntsc.Collection, error)
	CollectionSchema(id int) ([]string, []string, error)
	SelectStreams(col nntsc.Collection, minID int) ([]map[string]interface{}, error)
	StreamTimestamp(col nntsc.Collection, streamID int, agg string) (int64, error)
	SelectData(ctx context.Context, col nntsc.Collection, labels map[string][]int, columns []string, start, end int64) (Rows, error)
	SelectAggregated(ctx context.Context, col nntsc.Collection, labels map[string][]int, aggs []store.Agg, start, end int64, groupCols []string, binsize int64) (Rows, error)
	SelectPercentile(ctx context.Context, col nntsc.Collection, labels map[string][]int, start, end int64, binsize int64, ntileCols, otherCols []string, ntileFn, otherFn string) (Rows, error)
}

// ColumnFilter restricts which data columns of a collection clients may
// fetch. The parser registry satisfies it.
type ColumnFilter interface {
	SanitiseColumns(collection string, cols []string) []string
}

// Server accepts query clients and owns the shared state between them:
// the collection catalogue, the stream cache and the live event feed.
type Server struct {
	cfg       config.ServerConfig
	store     Store
	cache     *streamcache.Cache
	filter    ColumnFilter
	events    <-chan export.Event
	log       zerolog.Logger
	queueSize int

	mu     sync.Mutex
	conns  map[*conn]bool
	byID   map[int]nntsc.Collection
	byName map[string]nntsc.Collection

	wg sync.WaitGroup
}

// New creates a server. cache and filter may be nil; a nil events
// channel disables the live path.
func New(cfg config.ServerConfig, st Store, cache *streamcache.Cache, filter ColumnFilter, events <-chan export.Event, logger zerolog.Logger) *Server {
	size := cfg.SendQueueSize
	if size <= 0 {
		size = 256
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		cache:     cache,
		filter:    filter,
		events:    events,
		log:       logger.With().Str("component", "server").Logger(),
		queueSize: size,
		conns:     make(map[*conn]bool),
		byID:      make(map[int]nntsc.Collection),
		byName:    make(map[string]nntsc.Collection),
	}
}

// Run listens on the configured address and serves clients until the
// context is cancelled. Open connections are drained before it returns.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("query server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.fanout(gctx)
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(gctx, nc)
			}()
		}
	})
	err = g.Wait()
	s.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// fanout distributes export bus events to every connection. Delivery
// per connection is non-blocking; see conn.deliver.
func (s *Server) fanout(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.dispatchEvent(ev)
		}
	}
}

func (s *Server) dispatchEvent(ev export.Event) {
	// live rows double as cache freshness updates, the same way the
	// ingestion side feeds the cache directly
	if live, ok := ev.(export.LiveEvent); ok && s.cache != nil {
		s.cache.AdvanceLast(live.Collection, live.StreamID, live.Timestamp)
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.deliver(ev)
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// refreshCatalogue reloads the collection list from the store and
// rebuilds the lookup maps.
func (s *Server) refreshCatalogue() ([]nntsc.Collection, error) {
	cols, err := s.store.ListCollections()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.byID = make(map[int]nntsc.Collection, len(cols))
	s.byName = make(map[string]nntsc.Collection, len(cols))
	for _, col := range cols {
		s.byID[col.ID] = col
		s.byName[col.Name()] = col
	}
	s.mu.Unlock()
	return cols, nil
}

// collection resolves a catalogue id, refreshing from the store when
// the id is not cached yet.
func (s *Server) collection(id int) (nntsc.Collection, bool, error) {
	s.mu.Lock()
	col, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		return col, true, nil
	}
	if _, err := s.refreshCatalogue(); err != nil {
		return nntsc.Collection{}, false, err
	}
	s.mu.Lock()
	col, ok = s.byID[id]
	s.mu.Unlock()
	return col, ok, nil
}

// collectionByName resolves a collection name like "amp_icmp".
func (s *Server) collectionByName(name string) (nntsc.Collection, bool, error) {
	s.mu.Lock()
	col, ok := s.byName[name]
	s.mu.Unlock()
	if ok {
		return col, true, nil
	}
	if _, err := s.refreshCatalogue(); err != nil {
		return nntsc.Collection{}, false, err
	}
	s.mu.Lock()
	col, ok = s.byName[name]
	s.mu.Unlock()
	return col, ok, nil
}

// timestampFetcher loads a stream's data window for the cache.
func (s *Server) timestampFetcher(col nntsc.Collection) streamcache.FetchFunc {
	return func(streamID int) (int64, int64, error) {
		first, err := s.store.StreamTimestamp(col, streamID, "min")
		if err != nil {
			return 0, 0, err
		}
		last, err := s.store.StreamTimestamp(col, streamID, "max")
		if err != nil {
			return 0, 0, err
		}
		return first, last, nil
	}
}
