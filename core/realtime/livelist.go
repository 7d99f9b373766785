package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
)

// Opener establishes the subscription feeding a LiveList.
type Opener func(ctx context.Context, h Handler) (Subscription, error)

// FeedOpener subscribes to the row changes of topic.
func FeedOpener(feed ChangeFeed, topic Topic) Opener {
	return func(ctx context.Context, h Handler) (Subscription, error) {
		return feed.Subscribe(ctx, topic, h)
	}
}

// BroadcastOpener subscribes to the broadcast topic name.
func BroadcastOpener(b Broadcaster, name string) Opener {
	return func(ctx context.Context, h Handler) (Subscription, error) {
		return b.SubscribeBroadcast(ctx, name, h)
	}
}

// Translator maps an event to a delta. ok is false for events the list ignores.
type Translator[T any] func(ev ChangeEvent) (d Delta[T], ok bool, err error)

// RowTranslator builds a Translator for table feeds from a record decoder.
// Deletes decode the old row when present and fall back to the event id.
func RowTranslator[T any](decode func(Record) (T, error), keys Keys[T]) Translator[T] {
	return func(ev ChangeEvent) (Delta[T], bool, error) {
		switch ev.Op {
		case OpInsert, OpUpdate:
			item, err := decode(ev.Record)
			if err != nil {
				return Delta[T]{}, false, err
			}
			return Delta[T]{Op: ev.Op, ID: keys.ID(item), Item: item}, true, nil
		case OpDelete:
			if len(ev.OldRecord) > 0 {
				if item, err := decode(ev.OldRecord); err == nil {
					return Delta[T]{Op: OpDelete, ID: keys.ID(item), Item: item}, true, nil
				}
			}
			if ev.ID == "" {
				return Delta[T]{}, false, &DecodeError{Topic: ev.Topic, Column: "id", Reason: "delete without id"}
			}
			return Delta[T]{Op: OpDelete, ID: ev.ID}, true, nil
		}
		return Delta[T]{}, false, nil
	}
}

type ListOptions[T any] struct {
	Name      string // labels logs and metrics, eg. "messages"
	Open      Opener
	Keys      Keys[T]
	Translate Translator[T]

	// Fetch loads the snapshot. A nil Fetch starts from an empty list.
	Fetch func(ctx context.Context) ([]T, error)
	// Resolve completes a delta before it is merged, eg. with a profile lookup.
	// Its ctx is cancelled on Unmount and late results are discarded.
	Resolve func(ctx context.Context, d Delta[T]) (Delta[T], error)
	// Observe sees every merged delta.
	Observe func(d Delta[T])
	// OnChange receives the new list after every change. It must not call back into the list.
	OnChange func(items []T)
	// OnError is told about subscribe, decode and resolve failures.
	OnError func(err error)

	Reconnect ReconnectPolicy // nil disables resubscribing
	Logger    core.Logger
}

// LiveList is a view list kept in sync with a subscription.
type LiveList[T any] struct {
	opts   ListOptions[T]
	ctx    context.Context // lifetime, cancelled on Unmount
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notifyMu sync.Mutex

	mu      sync.Mutex
	items   []T
	ready   bool       // snapshot installed
	pending []Delta[T] // deltas received before the snapshot
	sub     Subscription
	gen     uint64 // current subscription; events of older ones are ignored
	mounted bool
	closed  bool
	err     error
}

func NewLiveList[T any](opts ListOptions[T]) *LiveList[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveList[T]{opts: opts, ctx: ctx, cancel: cancel}
}

// Mount subscribes, loads the snapshot, and replays the events received meanwhile.
//
// When the subscription cannot be established the snapshot is still loaded and
// an error matching ErrSubscribe is returned; the list then stays static.
// That error is returned only, never passed to OnError.
// A Fetch error unmounts the list.
func (l *LiveList[T]) Mount(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.mounted {
		l.mu.Unlock()
		return errors.New("already mounted")
	}
	l.mounted = true
	l.mu.Unlock()

	subErr := l.subscribe(ctx)
	if err := l.refresh(ctx); err != nil {
		l.Unmount()
		return errors.Wrapf(err, "fetching %s", l.opts.Name)
	}
	if subErr != nil {
		l.mu.Lock()
		l.err = subErr
		l.mu.Unlock()
		return subErr
	}

	l.mu.Lock()
	sub := l.sub
	l.mu.Unlock()
	if sub != nil {
		l.watch(sub)
	}
	return nil
}

// Apply merges a local delta, eg. an optimistic insert.
func (l *LiveList[T]) Apply(d Delta[T]) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.apply(d)
	return nil
}

// Items returns the current list. The slice must not be modified.
func (l *LiveList[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

func (l *LiveList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Get returns the item with id.
func (l *LiveList[T]) Get(id string) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := indexOf(l.items, id, l.opts.Keys); i >= 0 {
		return l.items[i], true
	}
	var zero T
	return zero, false
}

// Err returns the subscribe error of the last Mount, if any.
func (l *LiveList[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *LiveList[T]) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Unmount closes the subscription and discards every pending result. It is idempotent.
// It must not be called from a list callback.
func (l *LiveList[T]) Unmount() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	sub := l.sub
	l.sub = nil
	l.pending = nil
	l.mu.Unlock()

	l.cancel()
	if sub != nil {
		_ = sub.Close()
	}
	l.wg.Wait()
}

func (l *LiveList[T]) subscribe(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.gen++
	gen := l.gen
	old := l.sub
	l.sub = nil
	l.pending = nil
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if l.opts.Open == nil {
		return NewSubscribeError(l.opts.Name, errors.New("no source"))
	}

	sub, err := l.opts.Open(ctx, l.handler(gen))
	if err != nil {
		if errors.Is(err, ErrSubscribe) {
			return err
		}
		return NewSubscribeError(l.opts.Name, err)
	}

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *LiveList[T]) handler(gen uint64) Handler {
	return func(ev ChangeEvent) {
		d, ok, err := l.opts.Translate(ev)
		if err != nil {
			decodeErrors.WithLabelValues(l.opts.Name).Inc()
			l.report(err)
			return
		}
		if !ok {
			return
		}

		l.mu.Lock()
		if l.closed || gen != l.gen {
			l.mu.Unlock()
			return
		}
		if !l.ready {
			l.pending = append(l.pending, d)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.apply(d)
	}
}

// refresh installs a new snapshot, then replays buffered deltas until none are left.
func (l *LiveList[T]) refresh(ctx context.Context) error {
	var snapshot []T
	if l.opts.Fetch != nil {
		items, err := l.opts.Fetch(ctx)
		if err != nil {
			return err
		}
		snapshot = SortSnapshot(items, l.opts.Keys)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.items = snapshot
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		pending := l.pending
		l.pending = nil
		if len(pending) == 0 {
			l.ready = true
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()

		for _, d := range pending {
			l.apply(d)
		}
	}
	l.notify()
	return nil
}

func (l *LiveList[T]) apply(d Delta[T]) {
	if l.opts.Resolve != nil && d.Op != OpDelete {
		resolved, err := l.opts.Resolve(l.ctx, d)
		if l.ctx.Err() != nil {
			return
		}
		if err != nil {
			l.report(errors.Wrapf(err, "resolving %s %s", l.opts.Name, d.key(l.opts.Keys)))
			return
		}
		d = resolved
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.items = Merge(l.items, d, l.opts.Keys)
	l.mu.Unlock()

	mergedEvents.WithLabelValues(l.opts.Name, string(d.Op)).Inc()
	if l.opts.Observe != nil {
		l.opts.Observe(d)
	}
	l.notify()
}

// notify hands the latest list to OnChange. Calls are serialized so a stale list never follows a newer one.
func (l *LiveList[T]) notify() {
	if l.opts.OnChange == nil {
		return
	}
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	items := l.items
	l.mu.Unlock()
	l.opts.OnChange(items)
}

func (l *LiveList[T]) report(err error) {
	if l.opts.OnError != nil {
		l.opts.OnError(err)
		return
	}
	if l.opts.Logger != nil {
		l.opts.Logger.Warn(fmt.Sprintf("realtime %s: %v", l.opts.Name, err), err)
	}
}

// watch resubscribes and resyncs whenever the backend drops the subscription.
func (l *LiveList[T]) watch(sub Subscription) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-sub.Done():
			}
			cause := sub.Err()
			if cause == nil || l.ctx.Err() != nil {
				return
			}

			next, err := l.resync(cause)
			if err != nil {
				if l.ctx.Err() == nil {
					l.report(err)
				}
				return
			}
			sub = next
		}
	}()
}

func (l *LiveList[T]) resync(cause error) (Subscription, error) {
	if l.opts.Reconnect == nil {
		return nil, cause
	}
	if l.opts.Logger != nil {
		l.opts.Logger.Warn(fmt.Sprintf("realtime %s: subscription dropped: %v", l.opts.Name, cause), cause)
	}

	l.mu.Lock()
	l.ready = false
	l.mu.Unlock()

	op := func() error {
		resubscribes.WithLabelValues(l.opts.Name).Inc()
		if err := l.subscribe(l.ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return l.refresh(l.ctx)
	}
	notify := func(err error, wait time.Duration) {
		if l.opts.Logger != nil {
			l.opts.Logger.Warn(fmt.Sprintf("realtime %s: resubscribe failed, retrying in %v: %v", l.opts.Name, wait, err), err)
		}
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(l.opts.Reconnect(), l.ctx), notify); err != nil {
		return nil, errors.Wrapf(err, "resubscribing %s", l.opts.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil, ErrClosed
	}
	return l.sub, nil
}
