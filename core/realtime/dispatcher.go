package realtime

import (
	"sync"

	"github.com/pkg/errors"
)

const DefaultDeliveryBuffer = 256

// Dispatcher is the Subscription implementation shared by the drivers.
// Drivers Push events in; a dedicated goroutine hands them to the handler in order.
type Dispatcher struct {
	topic   Topic
	handler Handler
	queue   chan ChangeEvent
	done    chan struct{}
	onClose func()

	once   sync.Once
	mu     sync.Mutex // held while the handler runs
	closed bool
	err    error
}

var _ Subscription = (*Dispatcher)(nil)

// NewDispatcher starts delivering to h. onClose, if any, runs once when the subscription ends.
func NewDispatcher(topic Topic, h Handler, buffer int, onClose func()) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultDeliveryBuffer
	}
	d := &Dispatcher{
		topic:   topic,
		handler: h,
		queue:   make(chan ChangeEvent, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	activeSubscriptions.Inc()
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.handler(ev)
}

// Push queues ev for delivery, blocking while the buffer is full.
// It returns false once the subscription has ended.
func (d *Dispatcher) Push(ev ChangeEvent) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- ev:
		return true
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) Topic() Topic { return d.topic }

func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Dispatcher) Close() error {
	d.finish(nil)
	return nil
}

// Drop ends the subscription on behalf of the backend. Err will wrap ErrDropped.
func (d *Dispatcher) Drop(cause error) {
	err := ErrDropped
	if cause != nil {
		err = errors.Wrap(ErrDropped, cause.Error())
	}
	d.finish(err)
}

func (d *Dispatcher) finish(err error) {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.err = err
		close(d.done)
		d.mu.Unlock()

		activeSubscriptions.Dec()
		if d.onClose != nil {
			d.onClose()
		}
	})
}
