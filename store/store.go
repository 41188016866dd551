// Package store is the Postgres gateway. It owns schema creation, the
// batched insert path used by the parsers, and the cursor-backed query
// engine used by the query server.
//
// One Store per consumer task. Transactions are per-Store; the query
// server holds its own Store whose reads run in short-lived read
// transactions so they never block the insert path.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/row"
)

// batchSize is the row buffer size per data table. A full buffer is
// flushed into the open transaction; CommitData flushes the remainder.
const batchSize = 200

// fetchSize rows are pulled per FETCH from a server-side cursor.
const fetchSize = 100

// secondsPerWeek is the width of one data table partition.
const secondsPerWeek = 604800

// Store wraps one database connection pool plus the per-table insert
// buffers. Store methods are safe for a single owning task; do not
// share an insert-path Store across tasks.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
	cfg config.DatabaseConfig

	mu         sync.Mutex
	tx         *sqlx.Tx             // open insert transaction, nil between batches
	bases      map[string]*row.Base // data table -> buffer
	partitions map[string]map[int64]bool

	// colMu guards the column caches and may be taken with mu held,
	// never the other way around.
	colMu      sync.Mutex
	dataCols   map[string][]string // data table -> ordered column names
	streamCols map[string][]string // stream table -> ordered column names
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.ConnString())
	if err != nil {
		return nil, wrap("connect", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{
		db:         db,
		log:        logger,
		cfg:        cfg,
		bases:      make(map[string]*row.Base),
		dataCols:   make(map[string][]string),
		streamCols: make(map[string][]string),
		partitions: make(map[string]map[int64]bool),
	}, nil
}

// ConnectRetry keeps trying Connect every wait until it succeeds or the
// context is cancelled.
func ConnectRetry(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger, wait time.Duration) (*Store, error) {
	for {
		s, err := Connect(cfg, logger)
		if err == nil {
			return s, nil
		}
		logger.Warn().Err(err).Dur("retry", wait).Msg("database unavailable")
		metrics.StoreReconnectCount.Inc()
		select {
		case <-ctx.Done():
			return nil, wrap("connect", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Close rolls back any open transaction and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// PartitionStart returns the start of the weekly partition containing
// ts.
func PartitionStart(ts int64) int64 {
	return ts - (ts % secondsPerWeek)
}
