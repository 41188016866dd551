package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/broker"
	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/parser"
)

// errDrained ends a test run once the fake fetcher has handed out all
// of its batches.
var errDrained = errors.New("no more batches")

type fakeFetcher struct {
	batches [][]*nats.Msg
	acked   []*nats.Msg
	ackErr  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, n int) ([]*nats.Msg, error) {
	if len(f.batches) == 0 {
		return nil, errDrained
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > n {
		t := batch[:n]
		f.batches = append([][]*nats.Msg{batch[n:]}, f.batches...)
		return t, nil
	}
	return batch, nil
}

func (f *fakeFetcher) Ack(m *nats.Msg) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, m)
	return nil
}

type fakeCommitter struct {
	commits   int
	rollbacks int
	commitErr error
}

func (c *fakeCommitter) CommitData() error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	return nil
}

func (c *fakeCommitter) RollbackData() { c.rollbacks++ }

type fakeRegistry struct {
	entries  map[string]parser.Entry
	flushes  int
	flushErr error
}

func (r *fakeRegistry) Lookup(test string) (parser.Entry, bool) {
	e, ok := r.entries[test]
	return e, ok
}

func (r *fakeRegistry) Flush() error {
	r.flushes++
	return r.flushErr
}

type fakeDecoder struct {
	err error
}

func (d fakeDecoder) Decode(body []byte) (interface{}, error) {
	if d.err != nil {
		return nil, d.err
	}
	return string(body), nil
}

type processedCall struct {
	ts     int64
	data   interface{}
	source string
}

type fakeProcessor struct {
	calls []processedCall
	errs  []error
}

func (p *fakeProcessor) Process(ts int64, data interface{}, source string) error {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.calls = append(p.calls, processedCall{ts, data, source})
	return nil
}

func message(test, source, ts string, body []byte) *nats.Msg {
	m := &nats.Msg{Subject: "amp", Header: nats.Header{}, Data: body}
	if test != "" {
		m.Header.Set("x-amp-test-type", test)
	}
	if source != "" {
		m.Header.Set("x-amp-source", source)
	}
	if ts != "" {
		m.Header.Set("x-amp-timestamp", ts)
	}
	return m
}

func newConsumer(reg *fakeRegistry, store *fakeCommitter) *broker.Consumer {
	cfg := config.BrokerConfig{Queue: "amp-nntsc", CommitFreq: 50}
	return broker.New(cfg, reg, store, zerolog.Nop())
}

func TestConsumeCommitsThenAcks(t *testing.T) {
	proc := &fakeProcessor{}
	reg := &fakeRegistry{entries: map[string]parser.Entry{
		"icmp": {Decoder: fakeDecoder{}, Parser: proc},
	}}
	store := &fakeCommitter{}
	batch := []*nats.Msg{
		message("icmp", "probeA", "1000", []byte("one")),
		message("icmp", "probeB", "1001", []byte("two")),
	}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, errDrained) {
		t.Fatalf("Expected errDrained, Got %v.", err)
	}
	if store.commits != 1 {
		t.Errorf("Expected 1 commit, Got %d.", store.commits)
	}
	if store.rollbacks != 0 {
		t.Errorf("Expected no rollbacks, Got %d.", store.rollbacks)
	}
	if len(f.acked) != 1 || f.acked[0] != batch[1] {
		t.Errorf("Expected the newest message acked, Got %v.", f.acked)
	}
	if reg.flushes != 1 {
		t.Errorf("Expected 1 registry flush, Got %d.", reg.flushes)
	}
	want := []processedCall{
		{1000, "one", "probeA"},
		{1001, "two", "probeB"},
	}
	if len(proc.calls) != len(want) {
		t.Fatalf("Expected %d processed messages, Got %d.", len(want), len(proc.calls))
	}
	for i, c := range proc.calls {
		if c != want[i] {
			t.Errorf("Expected call %v, Got %v.", want[i], c)
		}
	}
}

func TestConsumeSkipsUnusableMessages(t *testing.T) {
	proc := &fakeProcessor{}
	reg := &fakeRegistry{entries: map[string]parser.Entry{
		"icmp": {Decoder: fakeDecoder{}, Parser: proc},
		"dns":  {Decoder: fakeDecoder{err: errors.New("garbled")}, Parser: proc},
	}}
	store := &fakeCommitter{}
	batch := []*nats.Msg{
		message("nosuchtest", "probeA", "1000", nil),
		message("icmp", "", "1000", nil),
		message("dns", "probeA", "1000", []byte("junk")),
		message("icmp", "probeA", "1002", []byte("good")),
	}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, errDrained) {
		t.Fatalf("Expected errDrained, Got %v.", err)
	}
	if len(proc.calls) != 1 {
		t.Fatalf("Expected 1 processed message, Got %d.", len(proc.calls))
	}
	if proc.calls[0].source != "probeA" || proc.calls[0].data != "good" {
		t.Errorf("Expected the good message processed, Got %v.", proc.calls[0])
	}
	if store.commits != 1 {
		t.Errorf("Expected 1 commit, Got %d.", store.commits)
	}
	// Skipped messages are still covered by the batch ack.
	if len(f.acked) != 1 || f.acked[0] != batch[3] {
		t.Errorf("Expected the newest message acked, Got %v.", f.acked)
	}
}

func TestConsumeAcksAllSkippedBatch(t *testing.T) {
	reg := &fakeRegistry{entries: map[string]parser.Entry{}}
	store := &fakeCommitter{}
	batch := []*nats.Msg{message("nosuchtest", "probeA", "1000", nil)}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, errDrained) {
		t.Fatalf("Expected errDrained, Got %v.", err)
	}
	if store.commits != 0 {
		t.Errorf("Expected no commits for an empty batch, Got %d.", store.commits)
	}
	if len(f.acked) != 1 {
		t.Errorf("Expected the batch acked anyway, Got %d acks.", len(f.acked))
	}
}

func TestConsumeSkipsBadDataWithinBatch(t *testing.T) {
	badData := &nntsc.Error{Kind: nntsc.DataError, Op: "icmp", Err: errors.New("out of range")}
	proc := &fakeProcessor{errs: []error{badData}}
	reg := &fakeRegistry{entries: map[string]parser.Entry{
		"icmp": {Decoder: fakeDecoder{}, Parser: proc},
	}}
	store := &fakeCommitter{}
	batch := []*nats.Msg{
		message("icmp", "probeA", "1000", []byte("bad")),
		message("icmp", "probeA", "1001", []byte("good")),
	}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, errDrained) {
		t.Fatalf("Expected errDrained, Got %v.", err)
	}
	if len(proc.calls) != 1 || proc.calls[0].data != "good" {
		t.Errorf("Expected only the good message processed, Got %v.", proc.calls)
	}
	if store.commits != 1 {
		t.Errorf("Expected 1 commit, Got %d.", store.commits)
	}
	if store.rollbacks != 0 {
		t.Errorf("Expected no rollbacks, Got %d.", store.rollbacks)
	}
}

func TestConsumeRequeuesOnStoreFailure(t *testing.T) {
	dbDown := &nntsc.Error{Kind: nntsc.Operational, Op: "insert", Err: errors.New("connection lost")}
	proc := &fakeProcessor{errs: []error{dbDown}}
	reg := &fakeRegistry{entries: map[string]parser.Entry{
		"icmp": {Decoder: fakeDecoder{}, Parser: proc},
	}}
	store := &fakeCommitter{}
	batch := []*nats.Msg{message("icmp", "probeA", "1000", []byte("one"))}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, dbDown) {
		t.Fatalf("Expected the store error back, Got %v.", err)
	}
	if store.rollbacks != 1 {
		t.Errorf("Expected 1 rollback, Got %d.", store.rollbacks)
	}
	if store.commits != 0 {
		t.Errorf("Expected no commits, Got %d.", store.commits)
	}
	if len(f.acked) != 0 {
		t.Errorf("Expected no acks so the batch is redelivered, Got %d.", len(f.acked))
	}
}

func TestConsumeRequeuesOnCommitFailure(t *testing.T) {
	proc := &fakeProcessor{}
	reg := &fakeRegistry{entries: map[string]parser.Entry{
		"icmp": {Decoder: fakeDecoder{}, Parser: proc},
	}}
	commitErr := &nntsc.Error{Kind: nntsc.Operational, Op: "commit",
		Err: errors.New("server closed the connection")}
	store := &fakeCommitter{commitErr: commitErr}
	batch := []*nats.Msg{message("icmp", "probeA", "1000", []byte("one"))}
	f := &fakeFetcher{batches: [][]*nats.Msg{batch}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, commitErr) {
		t.Fatalf("Expected the commit error back, Got %v.", err)
	}
	if store.rollbacks != 1 {
		t.Errorf("Expected 1 rollback, Got %d.", store.rollbacks)
	}
	if len(f.acked) != 0 {
		t.Errorf("Expected no acks, Got %d.", len(f.acked))
	}
}

func TestConsumeFlushFailureIsNotFatal(t *testing.T) {
	proc := &fakeProcessor{}
	reg := &fakeRegistry{
		entries:  map[string]parser.Entry{"icmp": {Decoder: fakeDecoder{}, Parser: proc}},
		flushErr: errors.New("update failed"),
	}
	store := &fakeCommitter{}
	f := &fakeFetcher{batches: [][]*nats.Msg{
		{message("icmp", "probeA", "1000", []byte("one"))},
		{message("icmp", "probeA", "1001", []byte("two"))},
	}}

	err := newConsumer(reg, store).Consume(context.Background(), f)
	if !errors.Is(err, errDrained) {
		t.Fatalf("Expected errDrained, Got %v.", err)
	}
	if store.commits != 2 {
		t.Errorf("Expected both batches committed, Got %d.", store.commits)
	}
	if reg.flushes != 2 {
		t.Errorf("Expected a flush attempt per batch, Got %d.", reg.flushes)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	reg := &fakeRegistry{entries: map[string]parser.Entry{}}
	store := &fakeCommitter{}
	f := &fakeFetcher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newConsumer(reg, store).Consume(ctx, f)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, Got %v.", err)
	}
}
