package realtime

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSubscribe = errors.New("subscribe failed")
	ErrDropped   = errors.New("subscription dropped")
	ErrClosed    = errors.New("closed")
)

// Handler receives the events of one subscription, one at a time and in delivery order.
type Handler func(ev ChangeEvent)

// Subscription is a live registration for a Topic.
//
// Done is closed once the subscription ends, either through Close or because
// the backend lost it. Err is nil after Close and wraps ErrDropped otherwise.
type Subscription interface {
	Topic() Topic
	Done() <-chan struct{}
	Err() error
	// Close stops delivery. No event reaches the handler after Close returns.
	// Close must not be called from inside the handler.
	Close() error
}

// ChangeFeed delivers the row changes of a table, optionally filtered.
type ChangeFeed interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error)
}

// Broadcaster relays ephemeral events between the peers of a named topic.
type Broadcaster interface {
	SubscribeBroadcast(ctx context.Context, name string, h Handler) (Subscription, error)
	Send(ctx context.Context, name, event string, payload Record) error
}

// Publisher injects row changes into a ChangeFeed.
// Drivers whose feed is produced by the database itself do not need one.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Backend is a driver providing both feeds.
type Backend interface {
	ChangeFeed
	Broadcaster
	Close() error
}

// SubscribeError is returned when a subscription could not be established.
// It matches ErrSubscribe with errors.Is.
type SubscribeError struct {
	Topic string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribing to %s: %v", e.Topic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

func (e *SubscribeError) Is(target error) bool { return target == ErrSubscribe }

func NewSubscribeError(topic string, err error) error {
	return &SubscribeError{Topic: topic, Err: err}
}
