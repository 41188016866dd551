package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/protocol"
	"github.com/wanduow/nntsc/store"
)

// historyChunkRows is how many rows a HISTORY message carries before
// it is flushed. Chunks also break on label changes so each message
// belongs to exactly one label.
const historyChunkRows = 200

// historyQuery is one history request flattened into the shape
// streamHistory needs: the labels to resolve, the window, and a
// closure that opens the right cursor for the surviving labels.
type historyQuery struct {
	request string
	name    string
	labels  map[string][]int
	start   int64
	end     int64
	binsize int64
	open    func(ctx context.Context, labels map[string][]int, start, end int64) (Rows, error)
}

// queryRange fills in the open ends of a time window. A zero end means
// now, a zero start means one day before the end.
func queryRange(start, end int64) (int64, int64) {
	if end == 0 {
		end = time.Now().Unix()
	}
	if start == 0 {
		start = end - 86400
	}
	return start, end
}

// zipAggs pairs aggregation columns with their functions. Requests may
// carry fewer functions than columns; trailing columns reuse the last
// function, matching how clients have always sent a single function
// for many columns.
func zipAggs(columns, funcs []string) []store.Agg {
	aggs := make([]store.Agg, 0, len(columns))
	fn := "avg"
	for i, col := range columns {
		if i < len(funcs) {
			fn = funcs[i]
		}
		aggs = append(aggs, store.Agg{Column: col, Func: fn})
	}
	return aggs
}

func (c *conn) handleSubscribe(ctx context.Context, sub protocol.Subscribe) error {
	col, ok, err := c.srv.collectionByName(sub.Name)
	if err == nil && !ok {
		err = &nntsc.Error{
			Kind: nntsc.CodingError,
			Op:   "server.subscribe",
			Err:  fmt.Errorf("unknown collection %q", sub.Name),
		}
	}
	q := historyQuery{
		request: "subscribe",
		name:    sub.Name,
		labels:  sub.Labels,
		start:   sub.Start,
		end:     sub.End,
	}
	if err != nil {
		return c.cancelHistory(ctx, q, err)
	}
	columns := sub.Columns
	if c.srv.filter != nil {
		columns = c.srv.filter.SanitiseColumns(col.Name(), columns)
	}
	// register for live rows before streaming history so nothing falls
	// between the end of the stored data and the first live row. The
	// client may see a row twice across the seam; it never misses one.
	if sub.End == 0 || sub.End > time.Now().Unix() {
		c.addSubscription(col, sub, columns)
	}
	if len(sub.Aggs) > 0 {
		aggs := zipAggs(columns, sub.Aggs)
		q.open = func(ctx context.Context, labels map[string][]int, start, end int64) (Rows, error) {
			return c.srv.store.SelectAggregated(ctx, col, labels, aggs, start, end, nil, 0)
		}
	} else {
		q.open = func(ctx context.Context, labels map[string][]int, start, end int64) (Rows, error) {
			return c.srv.store.SelectData(ctx, col, labels, columns, start, end)
		}
	}
	return c.streamHistory(ctx, col, q)
}

func (c *conn) handleAggregate(ctx context.Context, req protocol.Aggregate) error {
	col, ok, err := c.srv.collection(req.Collection)
	if err == nil && !ok {
		err = &nntsc.Error{
			Kind: nntsc.CodingError,
			Op:   "server.aggregate",
			Err:  fmt.Errorf("unknown collection %d", req.Collection),
		}
	}
	q := historyQuery{
		request: "aggregate",
		labels:  req.Labels,
		start:   req.Start,
		end:     req.End,
		binsize: req.Binsize,
	}
	if err != nil {
		return c.cancelHistory(ctx, q, err)
	}
	q.name = col.Name()
	columns := req.AggColumns
	if c.srv.filter != nil {
		columns = c.srv.filter.SanitiseColumns(col.Name(), columns)
	}
	fn := req.AggFunc
	if fn == "" {
		fn = "avg"
	}
	aggs := zipAggs(columns, []string{fn})
	q.open = func(ctx context.Context, labels map[string][]int, start, end int64) (Rows, error) {
		return c.srv.store.SelectAggregated(ctx, col, labels, aggs, start, end,
			req.GroupColumns, req.Binsize)
	}
	return c.streamHistory(ctx, col, q)
}

func (c *conn) handlePercentile(ctx context.Context, req protocol.Percentile) error {
	col, ok, err := c.srv.collection(req.Collection)
	if err == nil && !ok {
		err = &nntsc.Error{
			Kind: nntsc.CodingError,
			Op:   "server.percentile",
			Err:  fmt.Errorf("unknown collection %d", req.Collection),
		}
	}
	q := historyQuery{
		request: "percentile",
		labels:  req.Labels,
		start:   req.Start,
		end:     req.End,
		binsize: req.Binsize,
	}
	if err != nil {
		return c.cancelHistory(ctx, q, err)
	}
	q.name = col.Name()
	ntileCols := req.NtileColumns
	if c.srv.filter != nil {
		ntileCols = c.srv.filter.SanitiseColumns(col.Name(), ntileCols)
	}
	q.open = func(ctx context.Context, labels map[string][]int, start, end int64) (Rows, error) {
		return c.srv.store.SelectPercentile(ctx, col, labels, start, end, req.Binsize,
			ntileCols, req.OtherColumns, req.NtileAggFunc, req.OtherAggFunc)
	}
	return c.streamHistory(ctx, col, q)
}

// streamHistory resolves the query's labels against the stream cache,
// answers inactive labels with an empty chunk, runs the cursor for the
// rest and ships rows out in label-grouped chunks.
func (c *conn) streamHistory(ctx context.Context, col nntsc.Collection, q historyQuery) error {
	timer := prometheus.NewTimer(metrics.QueryDurationHistogram.WithLabelValues(q.request))
	defer timer.ObserveDuration()

	qstart, qend := queryRange(q.start, q.end)
	labels := q.labels
	if c.srv.cache != nil {
		active, err := c.srv.cache.FilterActiveStreams(col.Name(), q.labels, qstart, qend,
			c.srv.timestampFetcher(col))
		if err != nil {
			return c.cancelHistory(ctx, q, err)
		}
		labels = make(map[string][]int, len(active))
		for name, ids := range active {
			if len(ids) == 0 {
				// nothing measured in the window: settle the label now
				// so the client is not left waiting on it
				if err := c.sendHistory(ctx, protocol.History{
					Collection: q.name,
					Label:      name,
					Data:       []map[string]interface{}{},
					More:       false,
					Binsize:    q.binsize,
				}); err != nil {
					return err
				}
				continue
			}
			labels[name] = ids
		}
	}
	if len(labels) == 0 {
		return nil
	}

	rows, err := q.open(ctx, labels, qstart, qend)
	if err != nil {
		return c.cancelHistory(ctx, q, err)
	}
	defer rows.Close()

	var (
		started bool
		label   string
		pending []map[string]interface{}
		stamps  []int64
	)
	seen := make(map[string]bool, len(labels))
	flush := func(more bool) error {
		err := c.sendHistory(ctx, protocol.History{
			Collection: q.name,
			Label:      label,
			Data:       pending,
			More:       more,
			Binsize:    q.binsize,
			Freq:       store.InferFrequency(stamps, q.binsize),
		})
		pending = nil
		stamps = nil
		return err
	}
	for rows.Next() {
		l := rows.Label()
		seen[l] = true
		if !started {
			label = l
			started = true
		} else if l != label {
			if err := flush(false); err != nil {
				return err
			}
			label = l
		}
		row := rows.Row()
		delete(row, "nntsclabel")
		stamps = append(stamps, rows.Timestamp())
		pending = append(pending, row)
		if len(pending) >= historyChunkRows {
			if err := flush(true); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return c.cancelHistory(ctx, q, err)
	}
	if started {
		if err := flush(false); err != nil {
			return err
		}
	}
	// A label can pass the active filter yet measure nothing inside the
	// window; it still gets its final chunk.
	var unseen []string
	for name := range labels {
		if !seen[name] {
			unseen = append(unseen, name)
		}
	}
	sort.Strings(unseen)
	for _, name := range unseen {
		if err := c.sendHistory(ctx, protocol.History{
			Collection: q.name,
			Label:      name,
			Data:       []map[string]interface{}{},
			More:       false,
			Binsize:    q.binsize,
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendHistory encodes one HISTORY chunk, splitting the data in half
// whenever the compressed body still outgrows a frame.
func (c *conn) sendHistory(ctx context.Context, h protocol.History) error {
	body, err := protocol.EncodeBody(protocol.MsgHistory, h)
	if errors.Is(err, protocol.ErrBodyTooLarge) && len(h.Data) > 1 {
		mid := len(h.Data) / 2
		first := h
		first.Data = h.Data[:mid]
		first.More = true
		if err := c.sendHistory(ctx, first); err != nil {
			return err
		}
		rest := h
		rest.Data = h.Data[mid:]
		return c.sendHistory(ctx, rest)
	}
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outMsg{protocol.MsgHistory, body})
}

// cancelHistory reports a failed history query back to the client.
// Whether the connection survives depends on what went wrong: a query
// timeout or a bad request is the query's problem, a broken store is
// the connection's.
func (c *conn) cancelHistory(ctx context.Context, q historyQuery, cause error) error {
	retry := nntsc.Retryable(cause)
	c.log.Warn().Err(cause).
		Str("request", q.request).
		Str("collection", q.name).
		Bool("retry", retry).
		Msg("history query failed")
	if err := c.sendCancelled(ctx, q.request, protocol.MsgHistory, protocol.HistoryContext{
		Collection: q.name,
		Labels:     q.labels,
		Start:      q.start,
		End:        q.end,
		More:       retry,
	}); err != nil {
		return err
	}
	switch nntsc.KindOf(cause) {
	case nntsc.QueryTimeout, nntsc.DataError, nntsc.CodingError:
		return nil
	default:
		return cause
	}
}
