package store

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"

	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/row"
)

// InsertStream creates a stream and its key row atomically and returns
// the new id with created=true. A duplicate key means another task (or
// an earlier run) already created it: the existing id is returned with
// created=false and no error. Stream inserts are visible immediately,
// they never wait for CommitData.
func (s *Store) InsertStream(col nntsc.Collection, spec *nntsc.CollectionSpec, name string, firstTS int64, props map[string]interface{}) (int, bool, error) {
	id, err := s.insertStreamTx(col, spec, name, firstTS, props)
	if err == nil {
		metrics.StreamCount.WithLabelValues(col.Name()).Inc()
		s.log.Debug().Int("stream", id).Str("collection", col.Name()).Str("name", name).Msg("new stream")
		return id, true, nil
	}
	if nntsc.KindOf(err) != nntsc.DuplicateKey {
		return 0, false, err
	}
	id, err = s.lookupStream(spec, props)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (s *Store) insertStreamTx(col nntsc.Collection, spec *nntsc.CollectionSpec, name string, firstTS int64, props map[string]interface{}) (int, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, wrap("insert stream", err)
	}
	defer tx.Rollback()

	// A zero firstTS means the start of the series is not yet known
	// (polled streams are registered before any data is read).
	var first interface{}
	if firstTS != 0 {
		first = firstTS
	}
	var id int
	err = tx.Get(&id,
		`INSERT INTO streams (collection, name, lasttimestamp, firsttimestamp)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		col.ID, name, firstTS, first)
	if err != nil {
		return 0, wrap("insert stream", err)
	}

	cols := []string{"stream_id"}
	args := []interface{}{id}
	for _, c := range spec.StreamColumns {
		v, ok := props[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		args = append(args, bindValue(v))
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(spec.StreamTable),
		strings.Join(quoteAll(cols), ", "),
		strings.Join(placeholders, ", "))
	if _, err := tx.Exec(q, args...); err != nil {
		return 0, wrap("insert stream", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("insert stream", err)
	}
	return id, nil
}

// lookupStream finds the stream id matching the unique key columns in
// props. Used to resolve duplicate-key stream inserts.
func (s *Store) lookupStream(spec *nntsc.CollectionSpec, props map[string]interface{}) (int, error) {
	conds := make([]string, 0, len(spec.UniqueColumns))
	args := make([]interface{}, 0, len(spec.UniqueColumns))
	for _, c := range spec.UniqueColumns {
		v, ok := props[c]
		if !ok || v == nil {
			conds = append(conds, pq.QuoteIdentifier(c)+" IS NULL")
			continue
		}
		args = append(args, bindValue(v))
		conds = append(conds, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), len(args)))
	}
	q := fmt.Sprintf("SELECT stream_id FROM %s WHERE %s",
		pq.QuoteIdentifier(spec.StreamTable), strings.Join(conds, " AND "))
	var id int
	if err := s.db.Get(&id, q, args...); err != nil {
		return 0, wrap("lookup stream", err)
	}
	return id, nil
}

// InsertData buffers one measurement row for a data table. Full buffers
// flush into the open insert transaction; nothing is visible until
// CommitData.
func (s *Store) InsertData(table string, streamID int, ts int64, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.bases[table]
	if base == nil {
		base = row.NewBase(table, tableSink{s: s, table: table}, batchSize)
		s.bases[table] = base
	}
	return base.Put(row.Measurement{Stream: streamID, Timestamp: ts, Values: values})
}

// CommitData flushes every buffer and commits the insert transaction.
// On failure the whole batch is rolled back and the buffers are dropped;
// callers requeue the source messages.
func (s *Store) CommitData() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flushErr error
	for _, base := range s.bases {
		if err := base.Flush(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	if flushErr != nil {
		s.rollbackLocked()
		metrics.CommitCount.WithLabelValues("error").Inc()
		return flushErr
	}
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			s.tx = nil
			metrics.CommitCount.WithLabelValues("error").Inc()
			return wrap("commit", err)
		}
		s.tx = nil
	}
	metrics.CommitCount.WithLabelValues("ok").Inc()
	return nil
}

// RollbackData abandons the open transaction and every buffered row.
func (s *Store) RollbackData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackLocked()
}

func (s *Store) rollbackLocked() {
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	for _, base := range s.bases {
		base.Drop()
	}
	// Partition DDL ran inside the rolled back transaction.
	s.partitions = make(map[string]map[int64]bool)
}

// UpdateLastTimestamp advances lasttimestamp for the given streams. It
// only ever moves forward; stale updates are no-ops.
func (s *Store) UpdateLastTimestamp(streamIDs []int, ts int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(streamIDs))
	for i, id := range streamIDs {
		ids[i] = int64(id)
	}
	_, err := s.db.Exec(
		`UPDATE streams SET lasttimestamp = $1 WHERE id = ANY($2) AND lasttimestamp < $1`,
		ts, pq.Array(ids))
	return wrap("update last timestamp", err)
}

// SetFirstTimestamp records the earliest timestamp seen for a stream.
// Only fills or lowers, never raises.
func (s *Store) SetFirstTimestamp(streamID int, ts int64) error {
	_, err := s.db.Exec(
		`UPDATE streams SET firsttimestamp = $1
		 WHERE id = $2 AND (firsttimestamp IS NULL OR firsttimestamp > $1)`,
		ts, streamID)
	return wrap("set first timestamp", err)
}

// tableSink flushes buffered measurements into the owning Store's
// insert transaction.
type tableSink struct {
	s     *Store
	table string
}

func (t tableSink) Commit(rows []row.Measurement, label string) (int, error) {
	if err := t.s.insertBatch(t.table, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (t tableSink) Close() error { return nil }

// insertBatch writes one multi-row INSERT inside the open transaction,
// creating any weekly partitions the batch needs first. Caller holds
// s.mu.
func (s *Store) insertBatch(table string, rows []row.Measurement) error {
	if len(rows) == 0 {
		return nil
	}
	if s.tx == nil {
		tx, err := s.db.Beginx()
		if err != nil {
			return wrap("insert data", err)
		}
		s.tx = tx
	}

	for _, r := range rows {
		if err := s.ensurePartition(s.tx, table, r.Timestamp); err != nil {
			return err
		}
	}

	cols, err := s.columnsOf(table)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ",
		pq.QuoteIdentifier(table), strings.Join(quoteAll(cols), ", "))
	args := make([]interface{}, 0, len(rows)*len(cols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+1)
			switch c {
			case "stream_id":
				args = append(args, r.Stream)
			case "timestamp":
				args = append(args, r.Timestamp)
			default:
				args = append(args, bindValue(r.Values[c]))
			}
		}
		b.WriteString(")")
	}
	// Redelivered broker batches replay rows that already committed.
	b.WriteString(" ON CONFLICT DO NOTHING")
	if _, err := s.tx.Exec(b.String(), args...); err != nil {
		return wrap("insert data", err)
	}
	return nil
}

// bindValue adapts Go values for lib/pq. Slices become Postgres arrays.
func bindValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case []byte, string:
		return v
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return pq.Array(v)
	}
	return v
}
