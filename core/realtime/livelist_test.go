package realtime_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/unihub/core/realtime"
	"github.com/trezcool/unihub/storage/realtime/memory"
)

type note struct {
	ID        string
	ChannelID string
	Body      string
	At        time.Time
}

var noteKeys = realtime.Keys[note]{
	ID:   func(n note) string { return n.ID },
	Time: func(n note) time.Time { return n.At },
}

func decodeNote(rec realtime.Record) (note, error) {
	var (
		n   note
		err error
	)
	if n.ID, err = rec.String("notes", "id"); err != nil {
		return n, err
	}
	if n.ChannelID, err = rec.String("notes", "channel_id"); err != nil {
		return n, err
	}
	if n.Body, err = rec.OptString("notes", "body"); err != nil {
		return n, err
	}
	n.At, err = rec.Time("notes", "created_at")
	return n, err
}

func noteEvent(op realtime.Operation, n note) realtime.ChangeEvent {
	rec := realtime.Record{"id": n.ID, "channel_id": n.ChannelID, "body": n.Body, "created_at": n.At.Format(time.RFC3339Nano)}
	ev := realtime.ChangeEvent{Topic: "notes", Op: op, ID: n.ID, Record: rec}
	if op == realtime.OpDelete {
		ev.Record, ev.OldRecord = nil, rec
	}
	return ev
}

type changes struct {
	mu   sync.Mutex
	last []note
	n    int
}

func (c *changes) record(items []note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = items
	c.n++
}

func (c *changes) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.last))
	for _, n := range c.last {
		out = append(out, n.ID)
	}
	return out
}

func (c *changes) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func listIDs(l *realtime.LiveList[note]) []string {
	out := []string{}
	for _, n := range l.Items() {
		out = append(out, n.ID)
	}
	return out
}

func eventuallyIDs(t *testing.T, l *realtime.LiveList[note], want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, listIDs(l)) }, time.Second, 5*time.Millisecond,
		"want %v", want)
}

var (
	t0     = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	topic1 = realtime.Topic{Name: "notes", Filter: realtime.Filter{Column: "channel_id", Value: "c1"}}
)

func newNoteList(hub *memrealtime.Hub, fetch func(context.Context) ([]note, error), opts ...func(*realtime.ListOptions[note])) (*realtime.LiveList[note], *changes) {
	c := &changes{}
	o := realtime.ListOptions[note]{
		Name:      "notes",
		Open:      realtime.FeedOpener(hub, topic1),
		Keys:      noteKeys,
		Translate: realtime.RowTranslator(decodeNote, noteKeys),
		Fetch:     fetch,
		OnChange:  c.record,
		Reconnect: realtime.ExponentialReconnect(time.Second),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return realtime.NewLiveList(o), c
}

func TestLiveList_MountAndMerge(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	a := note{ID: "a", ChannelID: "c1", At: t0}
	b := note{ID: "b", ChannelID: "c1", At: t0.Add(time.Minute)}
	l, c := newNoteList(hub, func(context.Context) ([]note, error) { return []note{b, a}, nil })
	require.NoError(t, l.Mount(ctx))
	defer l.Unmount()

	assert.Equal(t, []string{"a", "b"}, listIDs(l))
	assert.Equal(t, 1, c.calls())

	cNote := note{ID: "c", ChannelID: "c1", At: t0.Add(2 * time.Minute)}
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, cNote)))
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, cNote))) // duplicate
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, note{ID: "x", ChannelID: "c2", At: t0})))
	eventuallyIDs(t, l, "a", "b", "c")

	b.Body = "edited"
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpUpdate, b)))
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpDelete, a)))
	eventuallyIDs(t, l, "b", "c")
	got, ok := l.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "edited", got.Body)
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual([]string{"b", "c"}, c.ids()) }, time.Second, 5*time.Millisecond)
}

func TestLiveList_EventsDuringFetch(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	a := note{ID: "a", ChannelID: "c1", At: t0}
	b := note{ID: "b", ChannelID: "c1", At: t0.Add(time.Minute)}
	l, _ := newNoteList(hub, func(ctx context.Context) ([]note, error) {
		// b is committed while the snapshot query runs: it shows up in both
		_ = hub.Publish(ctx, noteEvent(realtime.OpInsert, b))
		_ = hub.Publish(ctx, noteEvent(realtime.OpDelete, a))
		time.Sleep(20 * time.Millisecond)
		return []note{a, b}, nil
	})
	require.NoError(t, l.Mount(ctx))
	defer l.Unmount()

	eventuallyIDs(t, l, "b")
}

func TestLiveList_SubscribeFailure(t *testing.T) {
	var reported []error
	a := note{ID: "a", ChannelID: "c1", At: t0}
	l := realtime.NewLiveList(realtime.ListOptions[note]{
		Name: "notes",
		Open: func(context.Context, realtime.Handler) (realtime.Subscription, error) {
			return nil, errors.New("channel error")
		},
		Keys:      noteKeys,
		Translate: realtime.RowTranslator(decodeNote, noteKeys),
		Fetch:     func(context.Context) ([]note, error) { return []note{a}, nil },
		OnError:   func(err error) { reported = append(reported, err) },
	})

	err := l.Mount(context.Background())
	defer l.Unmount()

	assert.True(t, errors.Is(err, realtime.ErrSubscribe), "Mount() error = %v", err)
	assert.True(t, errors.Is(l.Err(), realtime.ErrSubscribe))
	assert.Equal(t, []string{"a"}, listIDs(l), "the snapshot is kept")
	assert.Empty(t, reported, "the caller reports subscribe failures")
}

func TestLiveList_FetchFailure(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()

	l, _ := newNoteList(hub, func(context.Context) ([]note, error) { return nil, errors.New("db down") })
	err := l.Mount(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 0, hub.Subscribers("notes"), "a failed mount must not leak its subscription")
}

func TestLiveList_ResubscribesAfterDrop(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	var fetches int32
	rows := []note{{ID: "a", ChannelID: "c1", At: t0}}
	var rowsMu sync.Mutex
	l, _ := newNoteList(hub, func(context.Context) ([]note, error) {
		atomic.AddInt32(&fetches, 1)
		rowsMu.Lock()
		defer rowsMu.Unlock()
		return append([]note(nil), rows...), nil
	})
	require.NoError(t, l.Mount(ctx))
	defer l.Unmount()

	// a row written while disconnected is recovered by the resync fetch
	rowsMu.Lock()
	rows = append(rows, note{ID: "b", ChannelID: "c1", At: t0.Add(time.Minute)})
	rowsMu.Unlock()
	hub.Drop("notes", errors.New("socket closed"))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fetches) == 2 }, time.Second, 5*time.Millisecond)
	eventuallyIDs(t, l, "a", "b")
	assert.Eventually(t, func() bool { return hub.Subscribers("notes") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, note{ID: "c", ChannelID: "c1", At: t0.Add(2 * time.Minute)})))
	eventuallyIDs(t, l, "a", "b", "c")
}

func TestLiveList_UnmountDiscardsLateResolve(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	resolving := make(chan struct{})
	l, c := newNoteList(hub, nil, func(o *realtime.ListOptions[note]) {
		o.Resolve = func(ctx context.Context, d realtime.Delta[note]) (realtime.Delta[note], error) {
			close(resolving)
			<-ctx.Done() // the lookup completes only after the view is gone
			d.Item.Body = "resolved"
			return d, nil
		}
	})
	require.NoError(t, l.Mount(ctx))
	calls := c.calls()

	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, note{ID: "a", ChannelID: "c1", At: t0})))
	<-resolving
	l.Unmount()

	assert.Empty(t, listIDs(l))
	assert.Equal(t, calls, c.calls(), "no change may be reported after Unmount")
	assert.Equal(t, 0, hub.Subscribers("notes"))
	assert.True(t, errors.Is(l.Apply(realtime.Delta[note]{Op: realtime.OpInsert, Item: note{ID: "z"}}), realtime.ErrClosed))
}

func TestLiveList_DecodeErrorsAreReported(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		reported []error
	)
	l, _ := newNoteList(hub, nil, func(o *realtime.ListOptions[note]) {
		o.OnError = func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}
	})
	require.NoError(t, l.Mount(ctx))
	defer l.Unmount()

	bad := realtime.ChangeEvent{Topic: "notes", Op: realtime.OpInsert, Record: realtime.Record{"id": "a", "channel_id": "c1"}}
	require.NoError(t, hub.Publish(ctx, bad))
	require.NoError(t, hub.Publish(ctx, noteEvent(realtime.OpInsert, note{ID: "b", ChannelID: "c1", At: t0})))

	eventuallyIDs(t, l, "b")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	var decErr *realtime.DecodeError
	assert.True(t, errors.As(reported[0], &decErr))
	assert.Equal(t, "created_at", decErr.Column)
}
