package export_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/export"
)

func drainBus(t *testing.T, b *export.Bus) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Drain(ctx)
		close(done)
	}()
	return cancel, done
}

func collect(t *testing.T, ch chan export.Event, n int) []export.Event {
	t.Helper()
	out := make([]export.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected %d events, Got %d before timeout.", n, len(out))
		}
	}
	return out
}

func TestStreamBeforeLive(t *testing.T) {
	b := export.New(100, zerolog.Nop())
	sub := b.Subscribe(100)
	cancel, done := drainBus(t, b)
	defer func() { cancel(); <-done }()

	b.PublishStream(1, "amp_icmp", 7, map[string]interface{}{"source": "probeA"})
	b.PublishLive("amp_icmp", 7, 1000, map[string]interface{}{"median": 130})
	b.PublishLive("amp_icmp", 7, 1060, map[string]interface{}{"median": 140})

	evs := collect(t, sub, 3)
	stream, ok := evs[0].(export.StreamEvent)
	if !ok {
		t.Fatalf("Expected StreamEvent first, Got %T.", evs[0])
	}
	if stream.StreamID != 7 || stream.Collection != "amp_icmp" {
		t.Fatalf("Expected stream 7 amp_icmp, Got %+v.", stream)
	}
	first, ok := evs[1].(export.LiveEvent)
	if !ok {
		t.Fatalf("Expected LiveEvent second, Got %T.", evs[1])
	}
	second := evs[2].(export.LiveEvent)
	if first.Timestamp != 1000 || second.Timestamp != 1060 {
		t.Fatalf("Expected timestamp order 1000,1060, Got %d,%d.", first.Timestamp, second.Timestamp)
	}
}

func TestLiveOverflowDropsWithoutBlocking(t *testing.T) {
	// No drain goroutine: the queue fills and stays full.
	b := export.New(2, zerolog.Nop())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.PublishLive("amp_icmp", 1, int64(1000+i), nil)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected PublishLive to never block.")
	}

	// Only the queued events survive.
	sub := b.Subscribe(10)
	cancel, done := drainBus(t, b)
	evs := collect(t, sub, 2)
	cancel()
	<-done
	for _, ev := range evs {
		if _, ok := ev.(export.LiveEvent); !ok {
			t.Fatalf("Expected LiveEvent, Got %T.", ev)
		}
	}
}

func TestPushPassthrough(t *testing.T) {
	b := export.New(10, zerolog.Nop())
	sub := b.Subscribe(10)
	cancel, done := drainBus(t, b)
	defer func() { cancel(); <-done }()

	b.PublishPush(3, 1717171717)
	evs := collect(t, sub, 1)
	push, ok := evs[0].(export.PushEvent)
	if !ok {
		t.Fatalf("Expected PushEvent, Got %T.", evs[0])
	}
	if push.CollectionID != 3 || push.Timestamp != 1717171717 {
		t.Fatalf("Expected (3, 1717171717), Got %+v.", push)
	}
}

func TestDrainFlushesOnCancel(t *testing.T) {
	b := export.New(10, zerolog.Nop())
	sub := b.Subscribe(10)

	b.PublishStream(1, "amp_icmp", 1, nil)
	b.PublishPush(1, 42)

	cancel, done := drainBus(t, b)
	cancel()
	<-done

	evs := make([]export.Event, 0, 2)
	for ev := range sub {
		evs = append(evs, ev)
	}
	if len(evs) != 2 {
		t.Fatalf("Expected 2 flushed events and closed channel, Got %d.", len(evs))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := export.New(10, zerolog.Nop())
	sub := b.Subscribe(10)
	b.Unsubscribe(sub)
	if _, open := <-sub; open {
		t.Fatal("Expected closed channel after unsubscribe.")
	}

	cancel, done := drainBus(t, b)
	defer func() { cancel(); <-done }()
	b.PublishStream(1, "amp_icmp", 1, nil)
}
