package store

import (
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/wanduow/nntsc/nntsc"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListCollections returns the full collection catalogue ordered by id.
func (s *Store) ListCollections() ([]nntsc.Collection, error) {
	q, args, err := psql.
		Select("id", "module", "modsubtype", "streamtable", "datatable").
		From("collections").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, wrap("list collections", err)
	}
	cols := []nntsc.Collection{}
	if err := s.db.Select(&cols, q, args...); err != nil {
		return nil, wrap("list collections", err)
	}
	return cols, nil
}

// GetCollection looks up one collection by (module, modsubtype).
func (s *Store) GetCollection(module, subtype string) (nntsc.Collection, error) {
	q, args, err := psql.
		Select("id", "module", "modsubtype", "streamtable", "datatable").
		From("collections").
		Where(sq.Eq{"module": module, "modsubtype": subtype}).
		ToSql()
	if err != nil {
		return nntsc.Collection{}, wrap("get collection", err)
	}
	var col nntsc.Collection
	if err := s.db.Get(&col, q, args...); err != nil {
		return nntsc.Collection{}, wrap("get collection", err)
	}
	return col, nil
}

// GetCollectionByID looks up one collection by catalogue id.
func (s *Store) GetCollectionByID(id int) (nntsc.Collection, error) {
	q, args, err := psql.
		Select("id", "module", "modsubtype", "streamtable", "datatable").
		From("collections").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nntsc.Collection{}, wrap("get collection", err)
	}
	var col nntsc.Collection
	if err := s.db.Get(&col, q, args...); err != nil {
		return nntsc.Collection{}, wrap("get collection", err)
	}
	return col, nil
}

// CollectionSchema returns the stream table and data table column names
// for a collection, in table order.
func (s *Store) CollectionSchema(id int) ([]string, []string, error) {
	col, err := s.GetCollectionByID(id)
	if err != nil {
		return nil, nil, err
	}
	streamCols, err := s.columnsOf(col.StreamTable)
	if err != nil {
		return nil, nil, err
	}
	dataCols, err := s.columnsOf(col.DataTable)
	if err != nil {
		return nil, nil, err
	}
	return streamCols, dataCols, nil
}

// columnsOf returns a table's column names in ordinal order, cached per
// Store. Registration fills the cache; unregistered tables fall back to
// information_schema. Safe for concurrent query-path callers.
func (s *Store) columnsOf(table string) ([]string, error) {
	s.colMu.Lock()
	if cols, ok := s.dataCols[table]; ok {
		s.colMu.Unlock()
		return cols, nil
	}
	if cols, ok := s.streamCols[table]; ok {
		s.colMu.Unlock()
		return cols, nil
	}
	s.colMu.Unlock()
	cols := []string{}
	err := s.db.Select(&cols,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = $1 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, wrap("table schema", err)
	}
	if len(cols) == 0 {
		return nil, wrap("table schema", sql.ErrNoRows)
	}
	s.colMu.Lock()
	s.dataCols[table] = cols
	s.colMu.Unlock()
	return cols, nil
}

// SelectStreams returns the streams of a collection with id > minID,
// joined with their key columns, ordered by stream id. Callers page by
// passing the last id they saw.
func (s *Store) SelectStreams(col nntsc.Collection, minID int) ([]map[string]interface{}, error) {
	q, args, err := psql.
		Select("streams.id AS stream_id", "streams.name",
			"streams.lasttimestamp", "streams.firsttimestamp",
			col.StreamTable+".*").
		From("streams").
		Join(col.StreamTable + " ON streams.id = " + col.StreamTable + ".stream_id").
		Where(sq.Eq{"streams.collection": col.ID}).
		Where(sq.Gt{"streams.id": minID}).
		OrderBy("streams.id").
		ToSql()
	if err != nil {
		return nil, wrap("select streams", err)
	}
	rows, err := s.db.Queryx(q, args...)
	if err != nil {
		return nil, wrap("select streams", err)
	}
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		m, err := scanRowMap(rows)
		if err != nil {
			return nil, wrap("select streams", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select streams", err)
	}
	return out, nil
}

// StreamTimestamp returns min or max data timestamp for one stream, 0
// when the stream has no rows yet.
func (s *Store) StreamTimestamp(col nntsc.Collection, streamID int, agg string) (int64, error) {
	if agg != "min" && agg != "max" {
		return 0, wrap("stream timestamp", sql.ErrNoRows)
	}
	var ts sql.NullInt64
	q := "SELECT " + agg + `("timestamp") FROM ` + col.DataTable + " WHERE stream_id = $1"
	if err := s.db.Get(&ts, q, streamID); err != nil {
		return 0, wrap("stream timestamp", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}
