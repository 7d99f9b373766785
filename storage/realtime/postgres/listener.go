// Package pgrealtime delivers row changes and broadcasts over postgres LISTEN/NOTIFY.
//
// Row changes are emitted by the triggers installed by the migrations on the
// "unihub_changes" channel. Broadcasts travel on "unihub_broadcast".
package pgrealtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

const (
	ChannelChanges   = "unihub_changes"
	ChannelBroadcast = "unihub_broadcast"

	maxPayload   = 8000
	pingInterval = 90 * time.Second
)

var (
	errConnectionLost = errors.New("database connection lost")
	errTruncated      = errors.New("change too large for a notification")

	nowFunc = func() time.Time { return time.Now().UTC() }
)

// changePayload is the json built by unihub_notify_change().
type changePayload struct {
	Table     string             `json:"table"`
	Op        realtime.Operation `json:"op"`
	ID        string             `json:"id"`
	Record    realtime.Record    `json:"record"`
	OldRecord realtime.Record    `json:"old_record"`
	Truncated bool               `json:"truncated"`
	At        time.Time          `json:"at"`
}

type broadcastPayload struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload realtime.Record `json:"payload"`
	At      time.Time       `json:"at"`
}

// listener is the subset of *pq.Listener used by the Backend.
type listener interface {
	Listen(channel string) error
	Ping() error
	Close() error
	NotificationChannel() <-chan *pq.Notification
}

type Options struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Buffer       int
	Logger       core.Logger
}

type entry struct {
	broadcast bool
	disp      *realtime.Dispatcher
}

// Backend is a realtime.Backend fed by a dedicated pq.Listener connection.
// Send goes through exec with pg_notify.
type Backend struct {
	exec   core.DBExecutor
	ln     listener
	buffer int
	logger core.Logger

	mu     sync.RWMutex
	subs   map[*entry]struct{}
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ realtime.Backend = (*Backend)(nil)

// New opens the listener connection on dsn and starts relaying notifications.
func New(dsn string, exec core.DBExecutor, opts Options) (*Backend, error) {
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = 10 * time.Second
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = opts.MinReconnect
	}

	b := newBackend(nil, exec, opts)
	ln := pq.NewListener(dsn, opts.MinReconnect, opts.MaxReconnect, b.onListenerEvent)
	b.ln = ln

	for _, ch := range []string{ChannelChanges, ChannelBroadcast} {
		if err := ln.Listen(ch); err != nil {
			_ = ln.Close()
			return nil, errors.Wrapf(err, "listening on %s", ch)
		}
	}
	b.start()
	return b, nil
}

func newBackend(ln listener, exec core.DBExecutor, opts Options) *Backend {
	return &Backend{
		exec:   exec,
		ln:     ln,
		buffer: opts.Buffer,
		logger: opts.Logger,
		subs:   make(map[*entry]struct{}),
		stop:   make(chan struct{}),
	}
}

func (b *Backend) start() {
	b.wg.Add(1)
	go b.loop()
}

func (b *Backend) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	notifications := b.ln.NotificationChannel()
	for {
		select {
		case n := <-notifications:
			if n == nil {
				// the listener reconnected: whatever happened in between is lost
				b.dropAll(errConnectionLost)
				continue
			}
			b.dispatch(n)
		case <-ticker.C:
			go func() { _ = b.ln.Ping() }()
		case <-b.stop:
			return
		}
	}
}

func (b *Backend) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		b.warn("realtime postgres: listener disconnected", err)
		b.dropAll(errConnectionLost)
	case pq.ListenerEventConnectionAttemptFailed:
		b.warn("realtime postgres: reconnect attempt failed", err)
	case pq.ListenerEventReconnected:
		if b.logger != nil {
			b.logger.Info("realtime postgres: listener reconnected")
		}
	}
}

func (b *Backend) dispatch(n *pq.Notification) {
	switch n.Channel {
	case ChannelChanges:
		var p changePayload
		if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
			b.warn("realtime postgres: invalid change payload", err)
			return
		}
		if p.Truncated {
			// subscribers resync from a fresh snapshot
			b.drop(func(e *entry) bool { return !e.broadcast && e.disp.Topic().Name == p.Table }, errTruncated)
			return
		}
		ev := p.event()
		b.fanout(ev, func(e *entry) bool {
			topic := e.disp.Topic()
			return !e.broadcast && topic.Name == ev.Topic && topic.Filter.Match(ev)
		})
	case ChannelBroadcast:
		var p broadcastPayload
		if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
			b.warn("realtime postgres: invalid broadcast payload", err)
			return
		}
		ev := realtime.ChangeEvent{Topic: p.Topic, Op: realtime.OpBroadcast, Event: p.Event, Record: p.Payload, At: p.At}
		b.fanout(ev, func(e *entry) bool { return e.broadcast && e.disp.Topic().Name == p.Topic })
	}
}

func (p changePayload) event() realtime.ChangeEvent {
	ev := realtime.ChangeEvent{
		Topic:     p.Table,
		Op:        p.Op,
		ID:        p.ID,
		Record:    p.Record,
		OldRecord: p.OldRecord,
		At:        p.At,
	}
	if ev.ID == "" {
		for _, rec := range []realtime.Record{p.Record, p.OldRecord} {
			if id, err := rec.String(p.Table, "id"); err == nil {
				ev.ID = id
				break
			}
		}
	}
	if ev.At.IsZero() {
		ev.At = nowFunc()
	}
	return ev
}

func (b *Backend) Subscribe(_ context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	return b.add(topic, false, handler)
}

func (b *Backend) SubscribeBroadcast(_ context.Context, name string, handler realtime.Handler) (realtime.Subscription, error) {
	if err := realtime.ValidateTopicName(name); err != nil {
		return nil, realtime.NewSubscribeError(name, err)
	}
	return b.add(realtime.Topic{Name: name}, true, handler)
}

func (b *Backend) add(topic realtime.Topic, broadcast bool, handler realtime.Handler) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, realtime.NewSubscribeError(topic.String(), realtime.ErrClosed)
	}
	e := &entry{broadcast: broadcast}
	e.disp = realtime.NewDispatcher(topic, handler, b.buffer, func() {
		b.mu.Lock()
		delete(b.subs, e)
		b.mu.Unlock()
	})
	b.subs[e] = struct{}{}
	return e.disp, nil
}

// Send notifies every listener of the broadcast topic, this process included.
func (b *Backend) Send(ctx context.Context, name, event string, payload realtime.Record) error {
	if err := realtime.ValidateTopicName(name); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	body, err := json.Marshal(broadcastPayload{Topic: name, Event: event, Payload: payload, At: nowFunc()})
	if err != nil {
		return errors.Wrap(err, "encoding broadcast")
	}
	if len(body) >= maxPayload {
		return errors.Errorf("sending broadcast: payload of %d bytes is too large", len(body))
	}
	if _, err = b.exec.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChannelBroadcast, string(body)); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	return nil
}

func (b *Backend) collect(match func(*entry) bool) []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*entry
	for e := range b.subs {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Backend) fanout(ev realtime.ChangeEvent, match func(*entry) bool) {
	for _, e := range b.collect(match) {
		e.disp.Push(ev)
	}
}

func (b *Backend) drop(match func(*entry) bool, cause error) {
	for _, e := range b.collect(match) {
		e.disp.Drop(cause)
	}
}

func (b *Backend) dropAll(cause error) {
	b.drop(func(*entry) bool { return true }, cause)
}

func (b *Backend) warn(msg string, err error) {
	if b.logger != nil {
		b.logger.Warn(fmt.Sprintf("%s: %v", msg, err), err)
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	b.dropAll(realtime.ErrClosed)
	if err := b.ln.Close(); err != nil {
		return errors.Wrap(err, "closing listener")
	}
	return nil
}
