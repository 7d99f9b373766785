// Package natsrealtime carries row changes and broadcasts over NATS subjects.
//
//	unihub.changes.<table>      json realtime.ChangeEvent
//	unihub.broadcast.<topic>    json realtime.ChangeEvent (op "broadcast")
//
// NATS does not replay what was published while a client was disconnected,
// so every open subscription is dropped on disconnect and live lists resync.
package natsrealtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

const (
	changesPrefix   = "unihub.changes."
	broadcastPrefix = "unihub.broadcast."

	flushTimeout = 2 * time.Second
)

var (
	errDisconnected = errors.New("nats connection lost")

	nowFunc = func() time.Time { return time.Now().UTC() }
)

func ChangesSubject(table string) string { return changesPrefix + table }

func BroadcastSubject(topic string) string { return broadcastPrefix + topic }

type Options struct {
	Name          string
	ReconnectWait time.Duration
	Buffer        int
	Logger        core.Logger
}

type entry struct {
	disp *realtime.Dispatcher
	sub  *nats.Subscription
}

type Backend struct {
	nc     *nats.Conn
	buffer int
	logger core.Logger

	mu     sync.Mutex
	subs   map[*entry]struct{}
	closed bool
}

var (
	_ realtime.Backend   = (*Backend)(nil)
	_ realtime.Publisher = (*Backend)(nil)
)

// New connects to url. The client reconnects forever; subscriptions are dropped meanwhile.
func New(url string, opts Options) (*Backend, error) {
	if opts.Name == "" {
		opts.Name = "unihub"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	b := &Backend{buffer: opts.Buffer, logger: opts.Logger, subs: make(map[*entry]struct{})}
	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ReconnectHandler(b.onReconnect),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}
	b.nc = nc
	return b, nil
}

func (b *Backend) onDisconnect(_ *nats.Conn, err error) {
	if b.logger != nil && err != nil {
		b.logger.Warn(fmt.Sprintf("realtime nats: disconnected: %v", err), err)
	}
	b.dropAll(errDisconnected)
}

func (b *Backend) onReconnect(nc *nats.Conn) {
	if b.logger != nil {
		b.logger.Info(fmt.Sprintf("realtime nats: reconnected to %s", nc.ConnectedUrl()))
	}
}

func (b *Backend) Subscribe(_ context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	return b.add(topic, ChangesSubject(topic.Name), handler, func(ev realtime.ChangeEvent) bool {
		return ev.Op != realtime.OpBroadcast && topic.Filter.Match(ev)
	})
}

func (b *Backend) SubscribeBroadcast(_ context.Context, name string, handler realtime.Handler) (realtime.Subscription, error) {
	if err := realtime.ValidateTopicName(name); err != nil {
		return nil, realtime.NewSubscribeError(name, err)
	}
	return b.add(realtime.Topic{Name: name}, BroadcastSubject(name), handler, func(ev realtime.ChangeEvent) bool {
		return ev.Op == realtime.OpBroadcast
	})
}

func (b *Backend) add(topic realtime.Topic, subject string, handler realtime.Handler, match func(realtime.ChangeEvent) bool) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.nc.IsClosed() {
		return nil, realtime.NewSubscribeError(topic.String(), realtime.ErrClosed)
	}

	e := &entry{}
	e.disp = realtime.NewDispatcher(topic, handler, b.buffer, func() { b.remove(e) })
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev realtime.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			if b.logger != nil {
				b.logger.Warn(fmt.Sprintf("realtime nats: invalid event on %s: %v", msg.Subject, err), err)
			}
			return
		}
		if match(ev) {
			e.disp.Push(ev)
		}
	})
	if err == nil {
		err = b.nc.FlushTimeout(flushTimeout)
	}
	if err != nil {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		// onClose takes b.mu
		go e.disp.Close()
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	e.sub = sub
	b.subs[e] = struct{}{}
	return e.disp, nil
}

func (b *Backend) remove(e *entry) {
	b.mu.Lock()
	delete(b.subs, e)
	b.mu.Unlock()
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
}

// Publish sends a row change to the subscribers of its table, on every node.
func (b *Backend) Publish(_ context.Context, ev realtime.ChangeEvent) error {
	if !ev.Op.Valid() || ev.Op == realtime.OpBroadcast {
		return errors.Errorf("publishing %s: invalid operation %q", ev.Topic, ev.Op)
	}
	if ev.At.IsZero() {
		ev.At = nowFunc()
	}
	return b.publish(ChangesSubject(ev.Topic), ev)
}

func (b *Backend) Send(_ context.Context, name, event string, payload realtime.Record) error {
	if err := realtime.ValidateTopicName(name); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	return b.publish(BroadcastSubject(name), realtime.ChangeEvent{
		Topic:  name,
		Op:     realtime.OpBroadcast,
		Event:  event,
		Record: payload,
		At:     nowFunc(),
	})
}

func (b *Backend) publish(subject string, ev realtime.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	if err = b.nc.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "publishing to %s", subject)
	}
	return nil
}

func (b *Backend) entries() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entry, 0, len(b.subs))
	for e := range b.subs {
		out = append(out, e)
	}
	return out
}

func (b *Backend) dropAll(cause error) {
	for _, e := range b.entries() {
		e.disp.Drop(cause)
	}
}

// Close drops the open subscriptions then drains the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.dropAll(realtime.ErrClosed)
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return errors.Wrap(err, "draining nats connection")
	}
	return nil
}
