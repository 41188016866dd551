// Package export is the fan-out bus between the ingestion pipeline and
// everything that wants to hear about it: the query server's live path
// and the NATS outbound exchange.
//
// Three event kinds flow through the bus. STREAM announces a newly
// created stream, LIVE carries one committed measurement row, PUSH marks
// a commit checkpoint for a collection. Delivery rules differ: clients
// must never miss a stream birth, so STREAM (and PUSH) block the
// producer when the queue is full, while LIVE is dropped with a counter
// bump.
package export

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamEvent announces a stream created by a parser.
type StreamEvent struct {
	CollectionID int                    `json:"colid"`
	Collection   string                 `json:"collection"`
	StreamID     int                    `json:"streamid"`
	Properties   map[string]interface{} `json:"properties"`
}

// LiveEvent carries one committed measurement row.
type LiveEvent struct {
	Collection string                 `json:"collection"`
	StreamID   int                    `json:"streamid"`
	Timestamp  int64                  `json:"timestamp"`
	Row        map[string]interface{} `json:"data"`
}

// PushEvent marks that a collection's batch has been committed up to
// Timestamp.
type PushEvent struct {
	CollectionID int   `json:"colid"`
	Timestamp    int64 `json:"timestamp"`
}

// Event is one of StreamEvent, LiveEvent or PushEvent.
type Event interface {
	kind() string
	subject() string
}

func (StreamEvent) kind() string { return "stream" }
func (LiveEvent) kind() string   { return "live" }
func (PushEvent) kind() string   { return "push" }

func (e StreamEvent) subject() string { return e.Collection }
func (e LiveEvent) subject() string   { return e.Collection }
func (PushEvent) subject() string     { return "push" }

// Bus is the export queue plus its drain state. Create with New, attach
// optional NATS output, then run Drain in its own goroutine.
type Bus struct {
	log    zerolog.Logger
	queue  chan Event
	nc     *nats.Conn
	prefix string
	subMu  sync.Mutex
	subs   []chan Event
}

// New creates a bus with the given queue length.
func New(queueLen int, logger zerolog.Logger) *Bus {
	return &Bus{
		log:   logger.With().Str("component", "export").Logger(),
		queue: make(chan Event, queueLen),
	}
}

// AttachNATS directs drained events to subject prefix.<collection>.
func (b *Bus) AttachNATS(nc *nats.Conn, prefix string) {
	b.nc = nc
	b.prefix = prefix
}

// Subscribe registers an in-process consumer. LIVE events that do not
// fit in its buffer are dropped for that consumer only.
func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.subMu.Lock()
	b.subs = append(b.subs, ch)
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a consumer channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// PublishStream queues a stream-birth event. Blocks when the queue is
// full: stream births are never dropped.
func (b *Bus) PublishStream(colID int, name string, streamID int, properties map[string]interface{}) {
	b.queue <- StreamEvent{
		CollectionID: colID,
		Collection:   name,
		StreamID:     streamID,
		Properties:   properties,
	}
	metrics.ExportEventCount.WithLabelValues("stream").Inc()
}

// PublishLive queues a live measurement. Never blocks; on overflow the
// event is dropped and counted.
func (b *Bus) PublishLive(name string, streamID int, ts int64, rowData map[string]interface{}) {
	ev := LiveEvent{Collection: name, StreamID: streamID, Timestamp: ts, Row: rowData}
	select {
	case b.queue <- ev:
		metrics.ExportEventCount.WithLabelValues("live").Inc()
	default:
		metrics.ExportDroppedCount.Inc()
	}
}

// PublishPush queues a commit checkpoint. Blocks when the queue is full.
func (b *Bus) PublishPush(colID int, ts int64) {
	b.queue <- PushEvent{CollectionID: colID, Timestamp: ts}
	metrics.ExportEventCount.WithLabelValues("push").Inc()
}

// Drain forwards queued events to NATS and the in-process subscribers
// until the context is cancelled, then flushes whatever is already
// queued and closes the subscriber channels.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.flush()
			b.closeSubs()
			return nil
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) flush() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) closeSubs() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

func (b *Bus) dispatch(ev Event) {
	b.publishNATS(ev)

	b.subMu.Lock()
	subs := b.subs
	b.subMu.Unlock()
	for _, ch := range subs {
		if _, ok := ev.(LiveEvent); ok {
			select {
			case ch <- ev:
			default:
				metrics.ExportDroppedCount.Inc()
			}
			continue
		}
		ch <- ev
	}
}

type wireEvent struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

func (b *Bus) publishNATS(ev Event) {
	if b.nc == nil {
		return
	}
	payload, err := json.Marshal(wireEvent{Type: ev.kind(), Event: ev})
	if err != nil {
		b.log.Error().Err(err).Msg("marshal export event")
		return
	}
	subject := b.prefix + "." + ev.subject()
	if err := b.nc.Publish(subject, payload); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("publish export event")
	}
}
