package server

import (
	"github.com/wanduow/nntsc/export"
	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/protocol"
)

// subscription is one client's standing interest in live rows. streams
// and columns are sets; an empty column set means every column.
type subscription struct {
	colID   int
	name    string
	streams map[int]bool
	start   int64
	end     int64
	columns map[string]bool
}

func (c *conn) addSubscription(col nntsc.Collection, sub protocol.Subscribe, columns []string) {
	s := &subscription{
		colID:   col.ID,
		name:    col.Name(),
		streams: make(map[int]bool),
		start:   sub.Start,
		end:     sub.End,
		columns: make(map[string]bool, len(columns)),
	}
	for _, ids := range sub.Labels {
		for _, id := range ids {
			s.streams[id] = true
		}
	}
	for _, name := range columns {
		s.columns[name] = true
	}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
}

func (s *subscription) matches(ev export.LiveEvent) bool {
	if ev.Collection != s.name || !s.streams[ev.StreamID] {
		return false
	}
	if ev.Timestamp < s.start {
		return false
	}
	return s.end == 0 || ev.Timestamp <= s.end
}

// project copies the event row down to the subscribed columns and adds
// the timestamp, so live rows carry the same columns history did.
func (s *subscription) project(ev export.LiveEvent) map[string]interface{} {
	data := make(map[string]interface{}, len(ev.Row)+1)
	for k, v := range ev.Row {
		if len(s.columns) == 0 || s.columns[k] {
			data[k] = v
		}
	}
	data["timestamp"] = ev.Timestamp
	return data
}

// deliver hands one bus event to this client. It runs on the fan-out
// goroutine and must not block: anything queue-bound goes through
// trySend, which cuts the client loose when the queue is full.
func (c *conn) deliver(ev export.Event) {
	switch ev := ev.(type) {
	case export.LiveEvent:
		c.mu.Lock()
		subs := make([]*subscription, len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()
		for _, sub := range subs {
			if !sub.matches(ev) {
				continue
			}
			if !c.trySend(protocol.MsgLive, protocol.Live{
				Collection: ev.Collection,
				StreamID:   ev.StreamID,
				Data:       sub.project(ev),
			}) {
				return
			}
			metrics.LiveDeliveredCount.Inc()
		}
	case export.PushEvent:
		c.mu.Lock()
		wanted := false
		for _, sub := range c.subs {
			if sub.colID == ev.CollectionID {
				wanted = true
				break
			}
		}
		c.mu.Unlock()
		if wanted {
			c.trySend(protocol.MsgPush, protocol.Push{
				Collection: ev.CollectionID,
				Timestamp:  ev.Timestamp,
			})
		}
	case export.StreamEvent:
		c.mu.Lock()
		watched := c.watching[ev.CollectionID]
		c.mu.Unlock()
		if !watched {
			return
		}
		row := make(map[string]interface{}, len(ev.Properties)+1)
		for k, v := range ev.Properties {
			row[k] = v
		}
		row["stream_id"] = ev.StreamID
		c.trySend(protocol.MsgStreams, protocol.Streams{
			Collection: ev.CollectionID,
			More:       false,
			Streams:    []map[string]interface{}{row},
		})
	}
}
