package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wanduow/nntsc/nntsc"
)

// Agg pairs a data column with the aggregation applied to it.
type Agg struct {
	Column string
	Func   string
}

// errNoStreams is returned when a query names no stream ids at all.
// Callers are expected to filter inactive labels before querying.
var errNoStreams = &nntsc.Error{Kind: nntsc.CodingError, Op: "query", Err: fmt.Errorf("no stream ids in any label")}

// Rows iterates a cursor-backed query result. Rows are delivered in
// (label, timestamp) order; each fetch pulls at most fetchSize rows so
// arbitrarily large results stay bounded in memory.
//
// Queries run inside a read-only transaction that is held until Close.
// Always Close, on every exit path.
type Rows struct {
	ctx     context.Context
	tx      *sqlx.Tx
	cursor  string
	tscol   string
	binsize int64

	batch []map[string]interface{}
	idx   int
	cur   map[string]interface{}
	done  bool
	err   error
}

// Next advances to the next result row, fetching the next cursor batch
// when the current one runs out. Returns false at end of data or error.
func (r *Rows) Next() bool {
	if r.err != nil || r.done {
		return false
	}
	if r.idx < len(r.batch) {
		r.cur = r.batch[r.idx]
		r.idx++
		return true
	}
	rows, err := r.tx.QueryxContext(r.ctx, fmt.Sprintf("FETCH %d FROM %s", fetchSize, r.cursor))
	if err != nil {
		r.err = wrap("fetch", err)
		r.release()
		return false
	}
	batch := make([]map[string]interface{}, 0, fetchSize)
	for rows.Next() {
		m, err := scanRowMap(rows)
		if err != nil {
			rows.Close()
			r.err = wrap("fetch", err)
			r.release()
			return false
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		r.err = wrap("fetch", err)
		r.release()
		return false
	}
	rows.Close()
	if len(batch) == 0 {
		r.Close()
		return false
	}
	r.batch = batch
	r.idx = 1
	r.cur = batch[0]
	return true
}

// Row returns the current row. Each row is a freshly allocated map, so
// callers may keep it after advancing.
func (r *Rows) Row() map[string]interface{} {
	return r.cur
}

// Label returns the current row's label.
func (r *Rows) Label() string {
	if s, ok := r.cur["nntsclabel"].(string); ok {
		return s
	}
	return ""
}

// Timestamp returns the current row's representative timestamp.
func (r *Rows) Timestamp() int64 {
	switch v := r.cur[r.tscol].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// TSCol names the representative timestamp column for this query.
func (r *Rows) TSCol() string {
	return r.tscol
}

// Binsize returns the bin width the query was built with, 0 for raw.
func (r *Rows) Binsize() int64 {
	return r.binsize
}

// Err returns the first error hit while iterating.
func (r *Rows) Err() error {
	return r.err
}

// Close closes the cursor and releases the read transaction. Safe to
// call more than once.
func (r *Rows) Close() {
	if r.done {
		return
	}
	r.tx.Exec("CLOSE " + r.cursor)
	r.release()
}

func (r *Rows) release() {
	if r.done {
		return
	}
	r.tx.Rollback()
	r.done = true
}

func (s *Store) openCursor(ctx context.Context, query, tscol string, binsize int64) (*Rows, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, wrap("query", err)
	}
	name := "cursor_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := tx.ExecContext(ctx, "DECLARE "+name+" NO SCROLL CURSOR FOR "+query); err != nil {
		tx.Rollback()
		return nil, wrap("declare cursor", err)
	}
	return &Rows{
		ctx:     ctx,
		tx:      tx,
		cursor:  name,
		tscol:   tscol,
		binsize: binsize,
	}, nil
}

// SelectData returns raw rows for the labelled streams over
// [start, end], ordered by (label, timestamp). Zero start/end take the
// documented defaults (last 24 hours up to now).
func (s *Store) SelectData(ctx context.Context, col nntsc.Collection, labels map[string][]int, columns []string, start, end int64) (*Rows, error) {
	start, end = defaultRange(start, end)
	if countStreamIDs(labels) == 0 {
		return nil, errNoStreams
	}
	tableCols, err := s.columnsOf(col.DataTable)
	if err != nil {
		return nil, err
	}
	cols := sanitiseColumns(columns, tableCols)
	query := buildSelectData(col, labels, cols, start, end)
	return s.openCursor(ctx, query, "timestamp", 0)
}

// SelectAggregated returns binned, aggregated rows ordered by
// (label, timestamp). binsize 0 or equal to the whole range collapses
// each label (plus group columns) to a single row keyed min_timestamp.
func (s *Store) SelectAggregated(ctx context.Context, col nntsc.Collection, labels map[string][]int, aggs []Agg, start, end int64, groupCols []string, binsize int64) (*Rows, error) {
	start, end = defaultRange(start, end)
	if countStreamIDs(labels) == 0 {
		return nil, errNoStreams
	}
	tableCols, err := s.columnsOf(col.DataTable)
	if err != nil {
		return nil, err
	}
	aggs = sanitiseAggs(aggs, tableCols)
	if len(aggs) == 0 {
		return nil, &nntsc.Error{Kind: nntsc.CodingError, Op: "aggregate", Err: fmt.Errorf("no valid aggregation columns")}
	}
	for _, a := range aggs {
		if !nntsc.AggregationFunctions[a.Func] {
			return nil, &nntsc.Error{Kind: nntsc.CodingError, Op: "aggregate", Err: fmt.Errorf("unknown aggregation %q", a.Func)}
		}
	}
	groupCols = intersectColumns(groupCols, tableCols)

	binned := binsize != 0 && binsize != end-start
	query := buildSelectAggregated(col, labels, aggs, start, end, groupCols, binsize, binned)
	tscol := "timestamp"
	if !binned {
		tscol = "min_timestamp"
	}
	return s.openCursor(ctx, query, tscol, binsize)
}

// SelectPercentile returns per-bin percentile summaries: each bin
// carries a sorted "values" array of 20-quantile aggregates of the
// ntile column, plus the other columns aggregated by otherFn.
func (s *Store) SelectPercentile(ctx context.Context, col nntsc.Collection, labels map[string][]int, start, end int64, binsize int64, ntileCols, otherCols []string, ntileFn, otherFn string) (*Rows, error) {
	start, end = defaultRange(start, end)
	if countStreamIDs(labels) == 0 {
		return nil, errNoStreams
	}
	tableCols, err := s.columnsOf(col.DataTable)
	if err != nil {
		return nil, err
	}
	ntileCols = intersectColumns(ntileCols, tableCols)
	if len(ntileCols) == 0 {
		return nil, &nntsc.Error{Kind: nntsc.CodingError, Op: "percentile", Err: fmt.Errorf("no valid ntile column")}
	}
	otherCols = intersectColumns(otherCols, tableCols)
	// The ntile column may not appear a second time as an other column.
	kept := otherCols[:0]
	for _, c := range otherCols {
		if c != ntileCols[0] {
			kept = append(kept, c)
		}
	}
	otherCols = kept
	if !nntsc.AggregationFunctions[ntileFn] || !nntsc.AggregationFunctions[otherFn] {
		return nil, &nntsc.Error{Kind: nntsc.CodingError, Op: "percentile", Err: fmt.Errorf("unknown aggregation %q/%q", ntileFn, otherFn)}
	}
	if binsize <= 0 {
		binsize = end - start
	}
	if binsize <= 0 {
		binsize = 300
	}
	query := buildSelectPercentile(col, labels, start, end, binsize, ntileCols[0], otherCols, ntileFn, otherFn)
	return s.openCursor(ctx, query, "timestamp", binsize)
}

func defaultRange(start, end int64) (int64, int64) {
	if end == 0 {
		end = time.Now().Unix()
	}
	if start == 0 {
		start = end - 86400
	}
	return start, end
}

func countStreamIDs(labels map[string][]int) int {
	n := 0
	for _, ids := range labels {
		n += len(ids)
	}
	return n
}

// sanitiseColumns keeps only columns the table actually has, preserving
// request order. stream_id is dropped (it is re-added qualified) and
// timestamp is always present. An empty request selects everything.
func sanitiseColumns(requested, available []string) []string {
	if len(requested) == 0 {
		requested = available
	}
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, c := range requested {
		if c == "stream_id" || !have[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if !seen["timestamp"] {
		out = append(out, "timestamp")
	}
	return out
}

func intersectColumns(requested, available []string) []string {
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, c := range requested {
		if c == "stream_id" || c == "timestamp" || !have[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func sanitiseAggs(aggs []Agg, available []string) []Agg {
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	out := make([]Agg, 0, len(aggs))
	for _, a := range aggs {
		if a.Column == "stream_id" || a.Column == "timestamp" || !have[a.Column] {
			continue
		}
		out = append(out, a)
	}
	return out
}

func sortedLabelNames(labels map[string][]int) []string {
	names := make([]string, 0, len(labels))
	for name, ids := range labels {
		if len(ids) == 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intList(ids []int) string {
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	last := 0
	for i, id := range sorted {
		if i > 0 && id == last {
			continue
		}
		last = id
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ", ")
}

func allStreamIDs(labels map[string][]int) []int {
	all := []int{}
	for _, ids := range labels {
		all = append(all, ids...)
	}
	return all
}

// labelCase builds the CASE expression that tags each row with the name
// of the label its stream belongs to. Label names are processed in
// sorted order so the generated SQL is stable.
func labelCase(labels map[string][]int) string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, name := range sortedLabelNames(labels) {
		fmt.Fprintf(&b, " WHEN activestreams.stream_id IN (%s) THEN %s",
			intList(labels[name]), pq.QuoteLiteral(name))
	}
	b.WriteString(" END")
	return b.String()
}

func activeStreamsFrom(col nntsc.Collection, labels map[string][]int) string {
	return fmt.Sprintf("(SELECT stream_id FROM %s WHERE stream_id IN (%s)) AS activestreams",
		pq.QuoteIdentifier(col.StreamTable), intList(allStreamIDs(labels)))
}

func dataJoin(col nntsc.Collection) string {
	dt := pq.QuoteIdentifier(col.DataTable)
	return fmt.Sprintf("INNER JOIN %s ON %s.stream_id = activestreams.stream_id", dt, dt)
}

func rangeWhere(col nntsc.Collection, start, end int64) string {
	dt := pq.QuoteIdentifier(col.DataTable)
	return fmt.Sprintf(`%s."timestamp" >= %d AND %s."timestamp" <= %d`, dt, start, dt, end)
}

func buildSelectData(col nntsc.Collection, labels map[string][]int, cols []string, start, end int64) string {
	dt := pq.QuoteIdentifier(col.DataTable)
	sel := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		sel = append(sel, dt+"."+pq.QuoteIdentifier(c))
	}
	sel = append(sel, "activestreams.stream_id")
	sel = append(sel, labelCase(labels)+" AS nntsclabel")

	return fmt.Sprintf(`SELECT %s FROM %s %s WHERE %s ORDER BY nntsclabel, "timestamp"`,
		strings.Join(sel, ", "), activeStreamsFrom(col, labels), dataJoin(col),
		rangeWhere(col, start, end))
}

// aggAlias renames to column_function only when the same source column
// is aggregated more than once.
func aggAlias(a Agg, dup map[string]int) string {
	if dup[a.Column] > 1 {
		return a.Column + "_" + a.Func
	}
	return a.Column
}

func aggExpr(col nntsc.Collection, a Agg, alias string) string {
	qcol := pq.QuoteIdentifier(col.DataTable) + "." + pq.QuoteIdentifier(a.Column)
	if a.Func == "most_array" {
		return fmt.Sprintf("string_to_array(most(array_to_string(%s, ',')), ',') AS %s",
			qcol, pq.QuoteIdentifier(alias))
	}
	return fmt.Sprintf("%s(%s) AS %s", a.Func, qcol, pq.QuoteIdentifier(alias))
}

func buildSelectAggregated(col nntsc.Collection, labels map[string][]int, aggs []Agg, start, end int64, groupCols []string, binsize int64, binned bool) string {
	dt := pq.QuoteIdentifier(col.DataTable)

	sel := []string{labelCase(labels) + " AS nntsclabel"}
	groups := []string{"nntsclabel"}
	if binned {
		sel = append(sel, fmt.Sprintf(`(%s."timestamp" - (%s."timestamp" %% %d)) AS binstart`, dt, dt, binsize))
		groups = append(groups, "binstart")
	}
	for _, g := range groupCols {
		qg := dt + "." + pq.QuoteIdentifier(g)
		sel = append(sel, qg)
		groups = append(groups, qg)
	}
	if binned {
		sel = append(sel, fmt.Sprintf(`max(%s."timestamp") AS "timestamp"`, dt))
	} else {
		sel = append(sel, fmt.Sprintf(`min(%s."timestamp") AS min_timestamp`, dt))
	}

	dup := make(map[string]int, len(aggs))
	for _, a := range aggs {
		dup[a.Column]++
	}
	for _, a := range aggs {
		sel = append(sel, aggExpr(col, a, aggAlias(a, dup)))
	}

	order := `nntsclabel, "timestamp"`
	if !binned {
		order = "nntsclabel, min_timestamp"
	}
	return fmt.Sprintf(`SELECT %s FROM %s %s WHERE %s GROUP BY %s ORDER BY %s`,
		strings.Join(sel, ", "), activeStreamsFrom(col, labels), dataJoin(col),
		rangeWhere(col, start, end), strings.Join(groups, ", "), order)
}

func buildSelectPercentile(col nntsc.Collection, labels map[string][]int, start, end int64, binsize int64, ntileCol string, otherCols []string, ntileFn, otherFn string) string {
	dt := pq.QuoteIdentifier(col.DataTable)
	qntile := pq.QuoteIdentifier(ntileCol)

	baseSel := []string{
		labelCase(labels) + " AS nntsclabel",
		fmt.Sprintf(`(%s."timestamp" - (%s."timestamp" %% %d)) AS binstart`, dt, dt, binsize),
		dt + `."timestamp"`,
		dt + "." + qntile,
	}
	for _, c := range otherCols {
		baseSel = append(baseSel, dt+"."+pq.QuoteIdentifier(c))
	}
	base := fmt.Sprintf(`SELECT %s FROM %s %s WHERE %s`,
		strings.Join(baseSel, ", "), activeStreamsFrom(col, labels), dataJoin(col),
		rangeWhere(col, start, end))

	ranked := fmt.Sprintf(`SELECT *, ntile(20) OVER (PARTITION BY nntsclabel, binstart ORDER BY %s) AS ntile FROM (%s) AS basedata`,
		qntile, base)

	bucketSel := []string{
		"nntsclabel", "binstart", "ntile",
		`max("timestamp") AS "timestamp"`,
		fmt.Sprintf("%s(%s) AS ntileval", ntileFn, qntile),
	}
	for _, c := range otherCols {
		qc := pq.QuoteIdentifier(c)
		bucketSel = append(bucketSel, fmt.Sprintf("%s(%s) AS %s", otherFn, qc, qc))
	}
	buckets := fmt.Sprintf(`SELECT %s FROM (%s) AS ranked GROUP BY nntsclabel, binstart, ntile`,
		strings.Join(bucketSel, ", "), ranked)

	outerSel := []string{
		"nntsclabel", "binstart",
		`max("timestamp") AS "timestamp"`,
		`array_agg(ntileval ORDER BY ntileval) AS "values"`,
	}
	for _, c := range otherCols {
		qc := pq.QuoteIdentifier(c)
		outerSel = append(outerSel, fmt.Sprintf("%s(%s) AS %s", otherFn, qc, qc))
	}
	return fmt.Sprintf(`SELECT %s FROM (%s) AS buckets GROUP BY nntsclabel, binstart ORDER BY nntsclabel, "timestamp"`,
		strings.Join(outerSel, ", "), buckets)
}
