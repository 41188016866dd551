package influx

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/export"
)

const (
	mirrorBatch    = 500
	mirrorInterval = 5 * time.Second
)

// rowWriter lets tests swap the HTTP client out.
type rowWriter interface {
	WriteRows(ctx context.Context, rows []export.LiveEvent) error
}

// Mirror batches LIVE events off the export bus into influx. Collections
// in skip are not mirrored; their rows hold values with no useful influx
// representation.
type Mirror struct {
	w    rowWriter
	in   <-chan export.Event
	skip map[string]bool
	log  zerolog.Logger
}

func NewMirror(w rowWriter, in <-chan export.Event, skip []string, log zerolog.Logger) *Mirror {
	m := &Mirror{
		w:    w,
		in:   in,
		skip: make(map[string]bool, len(skip)),
		log:  log.With().Str("component", "influx").Logger(),
	}
	for _, s := range skip {
		m.skip[s] = true
	}
	return m
}

// Run forwards rows until the input channel closes or ctx is cancelled.
// Batches flush when full or on the flush interval. Failed writes are
// logged and dropped: the relational store already has the rows.
func (m *Mirror) Run(ctx context.Context) error {
	batch := make([]export.LiveEvent, 0, mirrorBatch)
	ticker := time.NewTicker(mirrorInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := m.w.WriteRows(ctx, batch); err != nil {
			m.log.Warn().Err(err).Int("rows", len(batch)).Msg("dropping influx batch")
		}
		batch = batch[:0]
	}

	// The final flush runs on its own context: the run context is
	// already cancelled by then.
	finalFlush := func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return nil
		case <-ticker.C:
			flush(ctx)
		case ev, ok := <-m.in:
			if !ok {
				finalFlush()
				return nil
			}
			live, isLive := ev.(export.LiveEvent)
			if !isLive || m.skip[live.Collection] {
				continue
			}
			batch = append(batch, live)
			if len(batch) >= mirrorBatch {
				flush(ctx)
			}
		}
	}
}
