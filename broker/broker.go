// The broker package consumes measurement messages from the JetStream
// queue the amplet clients report to, hands them to the matching parser
// and acknowledges them once their rows have committed.
package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/parser"
)

// Message headers set by the reporting client.
const (
	HeaderTestType  = "x-amp-test-type"
	HeaderSource    = "x-amp-source"
	HeaderTimestamp = "x-amp-timestamp"
)

const (
	fetchWait    = 2 * time.Second
	backoffStart = 10 * time.Second
	backoffMax   = 120 * time.Second
)

// Registry resolves broker test types to their decoder and parser.
type Registry interface {
	Lookup(test string) (parser.Entry, bool)
	Flush() error
}

// Committer is the transactional slice of the store the consumer
// drives: commit after a clean batch, roll back when a batch must be
// redelivered.
type Committer interface {
	CommitData() error
	RollbackData()
}

// A Fetcher hands over batches of queued messages and acknowledges
// them. Acknowledgement is cumulative: acking a message covers every
// earlier one.
type Fetcher interface {
	Fetch(ctx context.Context, n int) ([]*nats.Msg, error)
	Ack(m *nats.Msg) error
}

// Consumer pulls measurement batches from the broker and feeds them
// through the parser registry. One Consumer owns one store connection;
// it never runs batches concurrently.
type Consumer struct {
	cfg      config.BrokerConfig
	registry Registry
	store    Committer
	log      zerolog.Logger

	healthy bool
}

func New(cfg config.BrokerConfig, reg Registry, store Committer, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		registry: reg,
		store:    store,
		log:      log.With().Str("component", "broker").Logger(),
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff after
// connection or store failures. Unacked messages are redelivered on the
// next subscription, so a crash between processing and ack repeats the
// batch; inserts are idempotent so the repeat is harmless.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := backoffStart
	for {
		if ctx.Err() != nil {
			return nil
		}

		nc, fetcher, err := c.connect()
		if err != nil {
			c.log.Warn().Err(err).Dur("retry", backoff).Msg("broker connect failed")
		} else {
			err = c.Consume(ctx, fetcher)
			nc.Drain()
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Dur("retry", backoff).Msg("broker consume failed")
		}

		if c.healthy {
			backoff = backoffStart
			c.healthy = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Consumer) connect() (*nats.Conn, Fetcher, error) {
	nc, err := nats.Connect(c.cfg.URL(), nats.Name("nntsc"))
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	sub, err := js.PullSubscribe("", c.cfg.Queue,
		nats.AckAll(), nats.BindStream(c.cfg.Queue))
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	c.log.Info().Str("url", c.cfg.URL()).Str("queue", c.cfg.Queue).
		Msg("consuming from broker")
	return nc, subFetcher{sub}, nil
}

// Consume pulls and processes batches from f until ctx is cancelled or
// an operational failure means the subscription must be torn down and
// the pending messages redelivered.
func (c *Consumer) Consume(ctx context.Context, f Fetcher) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := f.Fetch(fetchCtx, c.cfg.CommitFreq)
		cancel()
		if err != nil {
			if emptyFetch(err) && ctx.Err() == nil {
				continue
			}
			return err
		}
		if len(msgs) == 0 {
			continue
		}

		if err := c.processBatch(msgs); err != nil {
			// Roll back so the redelivered batch starts clean.
			c.store.RollbackData()
			metrics.MessageRequeueCount.Inc()
			return err
		}

		if err := f.Ack(msgs[len(msgs)-1]); err != nil {
			return err
		}
		metrics.MessageAckCount.Inc()
		c.healthy = true

		// Stream bookkeeping after the ack; the rows are already
		// committed and a failed update is retried with the next batch.
		if err := c.registry.Flush(); err != nil {
			c.log.Warn().Err(err).Msg("stream timestamp update failed")
		}
	}
}

// processBatch feeds each message to its parser. Messages that cannot
// be used (no source, unknown test, undecodable or unstorable data)
// are counted and skipped; they are acknowledged with the batch so they
// do not wedge the queue. Any other failure aborts the batch before
// commit.
func (c *Consumer) processBatch(msgs []*nats.Msg) error {
	processed := 0
	for _, m := range msgs {
		test := m.Header.Get(HeaderTestType)
		entry, ok := c.registry.Lookup(test)
		if !ok {
			c.log.Warn().Str("test", test).Msg("unknown test")
			metrics.MessageCount.WithLabelValues("unknown", "skipped").Inc()
			continue
		}

		source := m.Header.Get(HeaderSource)
		if source == "" {
			metrics.MessageCount.WithLabelValues(test, "skipped").Inc()
			continue
		}

		data, err := entry.Decoder.Decode(m.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("test", test).Str("source", source).
				Msg("undecodable message")
			metrics.MessageCount.WithLabelValues(test, "bad").Inc()
			continue
		}

		if err := entry.Parser.Process(messageTime(m), data, source); err != nil {
			if nntsc.KindOf(err) == nntsc.DataError {
				c.log.Warn().Err(err).Str("test", test).Str("source", source).
					Msg("discarding bad data")
				metrics.MessageCount.WithLabelValues(test, "bad").Inc()
				continue
			}
			return err
		}
		metrics.MessageCount.WithLabelValues(test, "processed").Inc()
		processed++
	}

	if processed == 0 {
		return nil
	}
	return c.store.CommitData()
}

// messageTime is when the client took the measurement: the timestamp
// header if present, otherwise the broker receive time.
func messageTime(m *nats.Msg) int64 {
	if h := m.Header.Get(HeaderTimestamp); h != "" {
		if ts, err := strconv.ParseInt(h, 10, 64); err == nil {
			return ts
		}
	}
	if md, err := m.Metadata(); err == nil {
		return md.Timestamp.Unix()
	}
	return time.Now().Unix()
}

func emptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// subFetcher adapts a JetStream pull subscription.
type subFetcher struct {
	sub *nats.Subscription
}

func (s subFetcher) Fetch(ctx context.Context, n int) ([]*nats.Msg, error) {
	return s.sub.Fetch(n, nats.Context(ctx))
}

func (s subFetcher) Ack(m *nats.Msg) error { return m.Ack() }
