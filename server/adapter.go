package server

import (
	"context"

	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/store"
)

// StoreGateway adapts *store.Store to the Store interface. The select
// methods are wrapped by hand so a nil *store.Rows never leaks out as
// a non-nil Rows interface; everything else passes straight through
// the embedded store. The indirection also lets tests drive the server
// with fabricated catalogues and cursors.
type StoreGateway struct {
	*store.Store
}

func (g StoreGateway) SelectData(ctx context.Context, col nntsc.Collection, labels map[string][]int, columns []string, start, end int64) (Rows, error) {
	rows, err := g.Store.SelectData(ctx, col, labels, columns, start, end)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (g StoreGateway) SelectAggregated(ctx context.Context, col nntsc.Collection, labels map[string][]int, aggs []store.Agg, start, end int64, groupCols []string, binsize int64) (Rows, error) {
	rows, err := g.Store.SelectAggregated(ctx, col, labels, aggs, start, end, groupCols, binsize)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (g StoreGateway) SelectPercentile(ctx context.Context, col nntsc.Collection, labels map[string][]int, start, end int64, binsize int64, ntileCols, otherCols []string, ntileFn, otherFn string) (Rows, error) {
	rows, err := g.Store.SelectPercentile(ctx, col, labels, start, end, binsize, ntileCols, otherCols, ntileFn, otherFn)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
