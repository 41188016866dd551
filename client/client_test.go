package client_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/m-lab/go/rtx"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/client"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/protocol"
)

func pipeConn(t *testing.T) (*client.Conn, net.Conn) {
	t.Helper()
	cs, ss := net.Pipe()
	c := client.New(cs, zerolog.Nop())
	c.SetDeadline(time.Now().Add(2 * time.Second))
	ss.SetDeadline(time.Now().Add(2 * time.Second))
	t.Cleanup(func() {
		c.Close()
		ss.Close()
	})
	return c, ss
}

func TestVersionCheckSwallowed(t *testing.T) {
	c, ss := pipeConn(t)
	go func() {
		rtx.Must(protocol.Encode(ss, protocol.MsgVersionCheck,
			protocol.VersionCheck{Version: protocol.APIVersion}), "send version")
		rtx.Must(protocol.Encode(ss, protocol.MsgCollections, protocol.Collections{
			Collections: []nntsc.Collection{{ID: 1, Module: "amp", Subtype: "icmp"}},
		}), "send collections")
	}()

	msg, err := c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	cols, ok := msg.(protocol.Collections)
	if !ok {
		t.Fatalf("Expected Collections, Got %T.", msg)
	}
	if len(cols.Collections) != 1 || cols.Collections[0].Name() != "amp_icmp" {
		t.Fatalf("Expected amp_icmp, Got %+v.", cols.Collections)
	}
}

func TestVersionMismatchClosesConn(t *testing.T) {
	c, ss := pipeConn(t)
	go func() {
		rtx.Must(protocol.Encode(ss, protocol.MsgVersionCheck,
			protocol.VersionCheck{Version: "0.9"}), "send version")
	}()

	_, err := c.Next()
	if !errors.Is(err, client.ErrVersionMismatch) {
		t.Fatalf("Expected ErrVersionMismatch, Got %v.", err)
	}
	if _, err := ss.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected the client to close its end.")
	}
}

func TestRequestEncoding(t *testing.T) {
	c, ss := pipeConn(t)
	done := make(chan error, 1)
	go func() { done <- c.RequestStreams(3, 500) }()

	f, err := protocol.ReadFrame(ss)
	if err != nil {
		t.Fatalf("Expected a frame, Got %v.", err)
	}
	if f.Type != protocol.MsgRequest {
		t.Fatalf("Expected REQUEST, Got %s.", protocol.MsgName(f.Type))
	}
	req, err := protocol.DecodeRequest(f.Body)
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if req.Type != protocol.ReqStreams || req.Collection != 3 || req.Start != 500 {
		t.Fatalf("Expected streams request for 3 from 500, Got %+v.", req)
	}
	if err := <-done; err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	c, ss := pipeConn(t)
	sub := protocol.Subscribe{
		Name:    "amp_icmp",
		Start:   1000,
		End:     2000,
		Columns: []string{"median", "loss"},
		Labels:  map[string][]int{"g": {1, 2}},
		Aggs:    []string{"avg"},
	}
	done := make(chan error, 1)
	go func() { done <- c.Subscribe(sub) }()

	f, err := protocol.ReadFrame(ss)
	if err != nil {
		t.Fatalf("Expected a frame, Got %v.", err)
	}
	if f.Type != protocol.MsgSubscribe {
		t.Fatalf("Expected SUBSCRIBE, Got %s.", protocol.MsgName(f.Type))
	}
	var got protocol.Subscribe
	if err := protocol.DecodeBody(f.Type, f.Body, &got); err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if diff := deep.Equal(sub, got); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
	if err := <-done; err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
}

func TestNextDecodesServerMessages(t *testing.T) {
	c, ss := pipeConn(t)
	h := protocol.History{
		Collection: "amp_icmp",
		Label:      "g",
		Data:       []map[string]interface{}{{"median": 1.5}},
		More:       true,
		Binsize:    300,
		Freq:       300,
	}
	live := protocol.Live{
		Collection: "amp_icmp",
		StreamID:   4,
		Data:       map[string]interface{}{"median": 2.5, "timestamp": float64(900)},
	}
	push := protocol.Push{Collection: 1, Timestamp: 5000}
	go func() {
		rtx.Must(protocol.Encode(ss, protocol.MsgHistory, h), "send history")
		rtx.Must(protocol.Encode(ss, protocol.MsgLive, live), "send live")
		rtx.Must(protocol.Encode(ss, protocol.MsgPush, push), "send push")
	}()

	msg, err := c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	gotHistory, ok := msg.(protocol.History)
	if !ok {
		t.Fatalf("Expected History, Got %T.", msg)
	}
	if diff := deep.Equal(h, gotHistory); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}

	msg, err = c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	gotLive, ok := msg.(protocol.Live)
	if !ok {
		t.Fatalf("Expected Live, Got %T.", msg)
	}
	if diff := deep.Equal(live, gotLive); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}

	msg, err = c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	if gotPush, ok := msg.(protocol.Push); !ok || gotPush != push {
		t.Fatalf("Expected %+v, Got %+v.", push, msg)
	}
}

func TestCancelledContexts(t *testing.T) {
	c, ss := pipeConn(t)
	hctx := protocol.HistoryContext{
		Collection: "amp_icmp",
		Labels:     map[string][]int{"g": {1}},
		Start:      1000,
		End:        2000,
		More:       true,
	}
	go func() {
		qc, err := protocol.NewQueryCancelled(protocol.MsgHistory, hctx)
		rtx.Must(err, "build cancel")
		rtx.Must(protocol.Encode(ss, protocol.MsgQueryCancelled, qc), "send cancel")

		final, err := protocol.NewQueryCancelled(protocol.MsgLive, nil)
		rtx.Must(err, "build final cancel")
		rtx.Must(protocol.Encode(ss, protocol.MsgQueryCancelled, final), "send final cancel")
	}()

	msg, err := c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	cancelled, ok := msg.(client.Cancelled)
	if !ok {
		t.Fatalf("Expected Cancelled, Got %T.", msg)
	}
	if cancelled.Request != protocol.MsgHistory || cancelled.History == nil {
		t.Fatalf("Expected a history cancel with context, Got %+v.", cancelled)
	}
	if diff := deep.Equal(hctx, *cancelled.History); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}

	msg, err = c.Next()
	if err != nil {
		t.Fatalf("Expected no error, Got %v.", err)
	}
	cancelled, ok = msg.(client.Cancelled)
	if !ok {
		t.Fatalf("Expected Cancelled, Got %T.", msg)
	}
	if cancelled.Request != protocol.MsgLive {
		t.Fatalf("Expected a live cancel, Got %s.", protocol.MsgName(cancelled.Request))
	}
	if cancelled.Schemas != nil || cancelled.Streams != nil || cancelled.History != nil {
		t.Fatalf("Expected no context, Got %+v.", cancelled)
	}
}

func TestStreamLabels(t *testing.T) {
	got := client.StreamLabels([]int{4, 9})
	want := map[string][]int{"4": {4}, "9": {9}}
	if diff := deep.Equal(want, got); diff != nil {
		t.Fatalf("Expected no diff, Got %v.", diff)
	}
}
