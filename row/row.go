// Package row provides the buffering layer between parsers and the
// measurement store. Parsers Put rows as they decode them; full buffers
// are flushed to a Sink in batches, and the unacked broker window is
// committed only after every buffered row has reached the sink.
package row

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wanduow/nntsc/metrics"
)

// ErrCommitRow wraps a sink failure so callers can tell commit errors
// from decode errors.
type ErrCommitRow struct {
	Err error
}

func (e ErrCommitRow) Error() string {
	return fmt.Sprintf("failed to commit row(s), error: %s", e.Err)
}

func (e ErrCommitRow) Unwrap() error {
	return e.Err
}

// Measurement is a single buffered data row bound for one collection
// table. Values holds the measurement columns keyed by column name;
// stream id and timestamp are kept outside it because every table keys
// on them.
type Measurement struct {
	Stream    int
	Timestamp int64
	Values    map[string]interface{}
}

// Stats contains stats about buffer history.
type Stats struct {
	Buffered  int // rows buffered but not yet sent.
	Pending   int // pending counts previously buffered rows that are being committed.
	Committed int
	Failed    int
}

// Total returns the total number of rows handled.
func (s Stats) Total() int {
	return s.Buffered + s.Pending + s.Committed + s.Failed
}

// ActiveStats is a stats object that supports updates.
type ActiveStats struct {
	lock sync.RWMutex // Protects all Stats fields.
	Stats
}

// GetStats implements HasStats()
func (as *ActiveStats) GetStats() Stats {
	as.lock.RLock()
	defer as.lock.RUnlock()
	return as.Stats
}

// MoveToPending moves n rows from Buffered to Pending.
func (as *ActiveStats) MoveToPending(n int) {
	as.lock.Lock()
	defer as.lock.Unlock()
	as.Buffered -= n
	if as.Buffered < 0 {
		log.Error().Msg("BROKEN - negative buffered")
	}
	as.Pending += n
}

// Inc increments the Buffered field.
func (as *ActiveStats) Inc() {
	as.lock.Lock()
	defer as.lock.Unlock()
	as.Buffered++
}

// Done updates the pending to failed or committed.
func (as *ActiveStats) Done(n int, err error) {
	as.lock.Lock()
	defer as.lock.Unlock()
	as.Pending -= n
	if as.Pending < 0 {
		log.Error().Msg("BROKEN: negative Pending")
	}
	if err != nil {
		as.Failed += n
	} else {
		as.Committed += n
	}
}

// HasStats can provide stats
type HasStats interface {
	GetStats() Stats
}

// Sink defines the interface for committing rows.
// Returns the number of rows successfully committed, and error.
// Implementations should be threadsafe.
type Sink interface {
	Commit(rows []Measurement, label string) (int, error)
	io.Closer
}

// Buffer provides the basic functionality needed for buffering and
// batching measurement rows.
// Buffer functions are THREAD-SAFE
type Buffer struct {
	lock sync.Mutex
	size int // Number of rows before starting new buffer.
	rows []Measurement
}

// NewBuffer returns a new buffer of the desired size.
func NewBuffer(size int) *Buffer {
	return &Buffer{size: size, rows: make([]Measurement, 0, size)}
}

// Append appends a row to the buffer.
// If buffer is full, this returns the buffered rows, and saves provided row
// in new buffer.  Client MUST handle the returned rows.
func (buf *Buffer) Append(row Measurement) []Measurement {
	buf.lock.Lock()
	defer buf.lock.Unlock()
	if len(buf.rows) < buf.size {
		buf.rows = append(buf.rows, row)
		return nil
	}
	rows := buf.rows
	buf.rows = make([]Measurement, 0, buf.size)
	buf.rows = append(buf.rows, row)

	return rows
}

// Reset clears the buffer, returning all pending rows.
func (buf *Buffer) Reset() []Measurement {
	buf.lock.Lock()
	defer buf.lock.Unlock()
	res := buf.rows
	buf.rows = make([]Measurement, 0, buf.size)
	return res
}

// Base provides common buffering functionality for one collection.
// Base is NOT THREAD-SAFE
type Base struct {
	sink  Sink
	buf   *Buffer
	label string // Used in metrics and errors.

	stats ActiveStats
}

// NewBase creates a new Base. The label should be the collection name.
func NewBase(label string, sink Sink, bufSize int) *Base {
	buf := NewBuffer(bufSize)
	return &Base{sink: sink, buf: buf, label: label}
}

// GetStats returns the buffer/sink stats.
func (pb *Base) GetStats() Stats {
	return pb.stats.GetStats()
}

func (pb *Base) commit(rows []Measurement) error {
	if len(rows) == 0 {
		return nil
	}

	// This is synchronous, blocking, and thread safe.
	done, commitErr := pb.sink.Commit(rows, pb.label)

	var err error
	if commitErr != nil {
		err = ErrCommitRow{commitErr}
	}

	if done > 0 {
		pb.stats.Done(done, nil)
		metrics.RowCount.WithLabelValues(pb.label, "ok").Add(float64(done))
	}
	if err != nil {
		log.Error().Err(commitErr).Str("collection", pb.label).Msg("commit failed")
		pb.stats.Done(len(rows)-done, err)
		metrics.RowCount.WithLabelValues(pb.label, "error").Add(float64(len(rows) - done))
	}
	return err
}

// Flush synchronously flushes any pending rows.
func (pb *Base) Flush() error {
	rows := pb.buf.Reset()
	pb.stats.MoveToPending(len(rows))
	metrics.RowsBuffered.WithLabelValues(pb.label).Sub(float64(len(rows)))
	return pb.commit(rows)
}

// Drop discards all buffered rows without committing them, counting
// them as failed. Used when a batch is rolled back and its source
// messages will be redelivered.
func (pb *Base) Drop() {
	rows := pb.buf.Reset()
	if len(rows) == 0 {
		return
	}
	metrics.RowsBuffered.WithLabelValues(pb.label).Sub(float64(len(rows)))
	pb.stats.MoveToPending(len(rows))
	pb.stats.Done(len(rows), errors.New("dropped"))
	metrics.RowCount.WithLabelValues(pb.label, "dropped").Add(float64(len(rows)))
}

// Put adds a row to the buffer.
// Iff the buffer is already full the prior buffered rows are committed
// to the Sink.
// NOTE: There is no guarantee about ordering of writes resulting from
// sequential calls to Put.  However, once a block of rows is submitted
// to pb.commit, it should be written in the same order to the Sink.
func (pb *Base) Put(row Measurement) error {
	rows := pb.buf.Append(row)
	pb.stats.Inc()
	metrics.RowsBuffered.WithLabelValues(pb.label).Inc()

	if rows != nil {
		pb.stats.MoveToPending(len(rows))
		metrics.RowsBuffered.WithLabelValues(pb.label).Sub(float64(len(rows)))
		err := pb.commit(rows)
		if err != nil {
			// Note that error is likely associated with buffered rows,
			// not the current row.
			return err
		}
	}
	return nil
}
