package pgrealtime

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

const (
	testTimeout = time.Second
	testTick    = 5 * time.Millisecond
)

type fakeListener struct {
	notify chan *pq.Notification
	closed bool
}

func (l *fakeListener) Listen(string) error { return nil }
func (l *fakeListener) Ping() error         { return nil }
func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}
func (l *fakeListener) NotificationChannel() <-chan *pq.Notification { return l.notify }

type fakeExec struct {
	core.DBExecutor
	mu    sync.Mutex
	query string
	args  []interface{}
}

func (e *fakeExec) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.query, e.args = query, args
	return nil, nil
}

type received struct {
	mu     sync.Mutex
	events []realtime.ChangeEvent
}

func (r *received) handle(ev realtime.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *received) list() []realtime.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.ChangeEvent(nil), r.events...)
}

func newTestBackend(t *testing.T) (*Backend, *fakeListener, *fakeExec) {
	t.Helper()
	ln := &fakeListener{notify: make(chan *pq.Notification)}
	exec := &fakeExec{}
	b := newBackend(ln, exec, Options{})
	b.start()
	t.Cleanup(func() { _ = b.Close() })
	return b, ln, exec
}

func TestBackend_Changes(t *testing.T) {
	b, ln, _ := newTestBackend(t)
	ctx := context.Background()

	got := &received{}
	sub, err := b.Subscribe(ctx, realtime.Topic{Name: "messages", Filter: realtime.Filter{Column: "channel_id", Value: "c1"}}, got.handle)
	require.NoError(t, err)
	defer sub.Close()

	ln.notify <- &pq.Notification{Channel: ChannelChanges, Extra: `{"table":"messages","op":"insert","record":{"id":"m1","channel_id":"c1"},"at":"2024-03-01T10:00:00.000001Z"}`}
	ln.notify <- &pq.Notification{Channel: ChannelChanges, Extra: `{"table":"messages","op":"insert","record":{"id":"m2","channel_id":"c2"}}`}
	ln.notify <- &pq.Notification{Channel: ChannelChanges, Extra: `not json`}
	ln.notify <- &pq.Notification{Channel: ChannelChanges, Extra: `{"table":"messages","op":"delete","id":"m1","old_record":{"id":"m1","channel_id":"c1"}}`}

	assert.Eventually(t, func() bool { return len(got.list()) == 2 }, testTimeout, testTick)
	events := got.list()
	assert.Equal(t, realtime.OpInsert, events[0].Op)
	assert.Equal(t, "m1", events[0].ID, "the id falls back to the record")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 1000, time.UTC), events[0].At)
	assert.Equal(t, realtime.OpDelete, events[1].Op)
	assert.False(t, events[1].At.IsZero())
}

func TestBackend_ConnectionLoss(t *testing.T) {
	b, ln, _ := newTestBackend(t)
	ctx := context.Background()

	msgs, err := b.Subscribe(ctx, realtime.Topic{Name: "messages"}, func(realtime.ChangeEvent) {})
	require.NoError(t, err)
	members, err := b.Subscribe(ctx, realtime.Topic{Name: "channel_members"}, func(realtime.ChangeEvent) {})
	require.NoError(t, err)

	// oversized changes only resync their own table
	ln.notify <- &pq.Notification{Channel: ChannelChanges, Extra: `{"table":"messages","op":"insert","id":"m1","truncated":true}`}
	<-msgs.Done()
	assert.True(t, errors.Is(msgs.Err(), realtime.ErrDropped))
	assert.Nil(t, members.Err())

	ln.notify <- nil
	<-members.Done()
	assert.True(t, errors.Is(members.Err(), realtime.ErrDropped))
}

func TestBackend_Broadcast(t *testing.T) {
	b, ln, exec := newTestBackend(t)
	ctx := context.Background()

	got := &received{}
	sub, err := b.SubscribeBroadcast(ctx, "typing:c1", got.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Send(ctx, "typing:c1", realtime.EventTyping, realtime.Record{"user_id": "u1"}))
	exec.mu.Lock()
	assert.Equal(t, `SELECT pg_notify($1, $2)`, exec.query)
	require.Len(t, exec.args, 2)
	payload := exec.args[1].(string)
	exec.mu.Unlock()

	// the server echoes the notification back to every listener
	ln.notify <- &pq.Notification{Channel: ChannelBroadcast, Extra: payload}
	assert.Eventually(t, func() bool { return len(got.list()) == 1 }, testTimeout, testTick)
	ev := got.list()[0]
	assert.Equal(t, realtime.OpBroadcast, ev.Op)
	assert.Equal(t, realtime.EventTyping, ev.Event)
	assert.Equal(t, "u1", ev.Record["user_id"])

	assert.Error(t, b.Send(ctx, "bad topic!", "x", nil))
}

func TestBackend_Close(t *testing.T) {
	b, ln, _ := newTestBackend(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, realtime.Topic{Name: "messages"}, func(realtime.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	<-sub.Done()
	assert.True(t, ln.closed)
	_, err = b.Subscribe(ctx, realtime.Topic{Name: "messages"}, func(realtime.ChangeEvent) {})
	assert.True(t, errors.Is(err, realtime.ErrSubscribe))
}
