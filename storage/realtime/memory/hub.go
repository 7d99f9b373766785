// Package memrealtime is an in-process realtime driver, used by tests and single node deployments.
package memrealtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core/realtime"
)

var nowFunc = func() time.Time { return time.Now().UTC() }

type entry struct {
	broadcast bool
	disp      *realtime.Dispatcher
}

// Hub fans published changes and broadcasts out to in-process subscribers.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*entry]struct{}
	closed bool
}

var (
	_ realtime.Backend   = (*Hub)(nil)
	_ realtime.Publisher = (*Hub)(nil)
)

// NewHub returns a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	return &Hub{buffer: buffer, subs: make(map[*entry]struct{})}
}

func (h *Hub) Subscribe(_ context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	return h.add(topic, false, handler)
}

func (h *Hub) SubscribeBroadcast(_ context.Context, name string, handler realtime.Handler) (realtime.Subscription, error) {
	if err := realtime.ValidateTopicName(name); err != nil {
		return nil, realtime.NewSubscribeError(name, err)
	}
	return h.add(realtime.Topic{Name: name}, true, handler)
}

func (h *Hub) add(topic realtime.Topic, broadcast bool, handler realtime.Handler) (realtime.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, realtime.NewSubscribeError(topic.String(), realtime.ErrClosed)
	}
	e := &entry{broadcast: broadcast}
	e.disp = realtime.NewDispatcher(topic, handler, h.buffer, func() { h.remove(e) })
	h.subs[e] = struct{}{}
	return e.disp, nil
}

func (h *Hub) remove(e *entry) {
	h.mu.Lock()
	delete(h.subs, e)
	h.mu.Unlock()
}

// Publish delivers a row change to the matching feed subscribers.
func (h *Hub) Publish(_ context.Context, ev realtime.ChangeEvent) error {
	if !ev.Op.Valid() || ev.Op == realtime.OpBroadcast {
		return errors.Errorf("publishing %s: invalid operation %q", ev.Topic, ev.Op)
	}
	if ev.At.IsZero() {
		ev.At = nowFunc()
	}
	h.fanout(ev, func(e *entry) bool {
		topic := e.disp.Topic()
		return !e.broadcast && topic.Name == ev.Topic && topic.Filter.Match(ev)
	})
	return nil
}

func (h *Hub) Send(_ context.Context, name, event string, payload realtime.Record) error {
	if err := realtime.ValidateTopicName(name); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	ev := realtime.ChangeEvent{
		Topic:  name,
		Op:     realtime.OpBroadcast,
		Event:  event,
		Record: payload,
		At:     nowFunc(),
	}
	h.fanout(ev, func(e *entry) bool {
		return e.broadcast && e.disp.Topic().Name == name
	})
	return nil
}

func (h *Hub) fanout(ev realtime.ChangeEvent, match func(*entry) bool) {
	for _, e := range h.collect(match) {
		e.disp.Push(ev)
	}
}

func (h *Hub) collect(match func(*entry) bool) []*entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*entry
	for e := range h.subs {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Drop ends every subscription on topic as if the connection was lost.
func (h *Hub) Drop(topic string, cause error) {
	for _, e := range h.collect(func(e *entry) bool { return e.disp.Topic().Name == topic }) {
		e.disp.Drop(cause)
	}
}

// Subscribers counts the open subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	return len(h.collect(func(e *entry) bool { return e.disp.Topic().Name == topic }))
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, e := range h.collect(func(*entry) bool { return true }) {
		e.disp.Drop(realtime.ErrClosed)
	}
	return nil
}
