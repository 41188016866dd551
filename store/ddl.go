package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wanduow/nntsc/nntsc"
)

func columnDDL(col nntsc.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(pq.QuoteIdentifier(col.Name))
	b.WriteString(" ")
	b.WriteString(col.Type)
	if !col.Null {
		b.WriteString(" NOT NULL")
	}
	if col.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(col.Default)
	}
	return b.String()
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return quoted
}

// CreateStreamsTable creates the per-collection stream table if absent.
// Every stream table keys on stream_id and carries the collection's
// unique constraint over the stream key columns.
func (s *Store) CreateStreamsTable(name string, cols []nntsc.ColumnSpec, unique []string, indexes []nntsc.IndexSpec) error {
	defs := make([]string, 0, len(cols)+2)
	defs = append(defs, "stream_id integer PRIMARY KEY REFERENCES streams (id) ON DELETE CASCADE")
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, columnDDL(c))
		names = append(names, c.Name)
	}
	if len(unique) > 0 {
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(quoteAll(unique), ", ")))
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pq.QuoteIdentifier(name), strings.Join(defs, ", "))
	if _, err := s.db.Exec(q); err != nil {
		return wrap("create streams table", err)
	}
	for _, idx := range indexes {
		if err := s.createIndex(name, idx); err != nil {
			return err
		}
	}
	s.colMu.Lock()
	s.streamCols[name] = names
	s.colMu.Unlock()
	return nil
}

// CreateDataTable creates the per-collection data table if absent. Data
// tables are range-partitioned on timestamp; partitions are created on
// demand at insert time.
func (s *Store) CreateDataTable(name string, cols []nntsc.ColumnSpec, indexes []nntsc.IndexSpec) error {
	defs := make([]string, 0, len(cols)+3)
	defs = append(defs, "stream_id integer NOT NULL")
	defs = append(defs, `"timestamp" integer NOT NULL`)
	names := []string{"stream_id", "timestamp"}
	for _, c := range cols {
		defs = append(defs, columnDDL(c))
		names = append(names, c.Name)
	}
	defs = append(defs, `PRIMARY KEY (stream_id, "timestamp")`)
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) PARTITION BY RANGE (\"timestamp\")",
		pq.QuoteIdentifier(name), strings.Join(defs, ", "))
	if _, err := s.db.Exec(q); err != nil {
		return wrap("create data table", err)
	}
	for _, idx := range indexes {
		if err := s.createIndex(name, idx); err != nil {
			return err
		}
	}
	s.colMu.Lock()
	s.dataCols[name] = names
	s.colMu.Unlock()
	return nil
}

func (s *Store) createIndex(table string, idx nntsc.IndexSpec) error {
	name := idx.Name
	if name == "" {
		name = fmt.Sprintf("index_%s_%s", table, strings.Join(idx.Columns, "_"))
	}
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(table),
		strings.Join(quoteAll(idx.Columns), ", "))
	if _, err := s.db.Exec(q); err != nil {
		return wrap("create index", err)
	}
	return nil
}

// RegisterCollection creates the collection's tables and catalogue row.
// Safe to call on every startup; existing objects are left alone.
func (s *Store) RegisterCollection(spec *nntsc.CollectionSpec) (nntsc.Collection, error) {
	if err := s.CreateStreamsTable(spec.StreamTable, spec.StreamColumns, spec.UniqueColumns, spec.StreamIndexes); err != nil {
		return nntsc.Collection{}, err
	}
	if err := s.CreateDataTable(spec.DataTable, spec.DataColumns, spec.DataIndexes); err != nil {
		return nntsc.Collection{}, err
	}

	_, err := s.db.Exec(
		`INSERT INTO collections (module, modsubtype, streamtable, datatable)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (module, modsubtype) DO NOTHING`,
		spec.Module, spec.Subtype, spec.StreamTable, spec.DataTable)
	if err != nil {
		return nntsc.Collection{}, wrap("register collection", err)
	}
	col, err := s.GetCollection(spec.Module, spec.Subtype)
	if err != nil {
		return nntsc.Collection{}, err
	}
	s.log.Debug().Int("id", col.ID).Str("collection", col.Name()).Msg("collection registered")
	return col, nil
}

func partitionName(table string, start int64) string {
	return fmt.Sprintf("part_%s_%d", table, start)
}

// ensurePartition creates the weekly partition covering ts if this Store
// has not created it yet. Runs inside the insert transaction so a failed
// batch also rolls back the DDL.
func (s *Store) ensurePartition(tx *sqlx.Tx, table string, ts int64) error {
	start := PartitionStart(ts)
	known := s.partitions[table]
	if known == nil {
		known = make(map[int64]bool)
		s.partitions[table] = known
	}
	if known[start] {
		return nil
	}
	name := partitionName(table, start)
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(table), start, start+secondsPerWeek)
	if _, err := tx.Exec(q); err != nil {
		return wrap("create partition", err)
	}
	known[start] = true
	return nil
}
