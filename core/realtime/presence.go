package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/trezcool/unihub/core"
)

// Broadcast events of the typing indicator.
const (
	EventTyping        = "typing"
	EventTypingStopped = "typing_stopped"
)

const (
	DefaultQuietInterval = 2 * time.Second
	DefaultHeartbeat     = 3 * time.Second
	DefaultTypingExpiry  = 6 * time.Second

	announceTimeout = 5 * time.Second
	announceBuffer  = 16
)

type PresenceState int

const (
	Idle PresenceState = iota
	Active
)

func (s PresenceState) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

type PresenceOptions struct {
	Clock         clock.Clock
	QuietInterval time.Duration // Active -> Idle after this long without input
	Heartbeat     time.Duration // re-announce while Active; 0 disables
	// Announce publishes EventTyping or EventTypingStopped.
	Announce func(ctx context.Context, event string) error
	Logger   core.Logger
}

// PresenceTimer turns bursts of local input into typing / typing_stopped announcements.
//
// The first input announces "typing" and every later input pushes the quiet
// deadline back; "typing_stopped" is announced once the deadline passes or
// Stop is called. Announcements are sent in order from a single goroutine.
type PresenceTimer struct {
	opts PresenceOptions

	mu          sync.Mutex
	state       PresenceState
	timer       *clock.Timer
	seq         uint64 // bumped on every reset; a timer firing with an older seq is stale
	announcedAt time.Time
	closed      bool

	queue []string // pending announcements, oldest first
	wake  chan struct{}
	done  chan struct{}
}

func NewPresenceTimer(opts PresenceOptions) *PresenceTimer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.QuietInterval <= 0 {
		opts.QuietInterval = DefaultQuietInterval
	}
	p := &PresenceTimer{
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.send()
	return p
}

// Input records a local keystroke.
func (p *PresenceTimer) Input() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	now := p.opts.Clock.Now()
	announce := p.state == Idle ||
		(p.opts.Heartbeat > 0 && now.Sub(p.announcedAt) >= p.opts.Heartbeat)
	p.state = Active
	p.resetLocked()
	if announce {
		p.announcedAt = now
		p.enqueueLocked(EventTyping)
	}
}

// Stop forces Idle, announcing "typing_stopped" if the timer was Active.
func (p *PresenceTimer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idleLocked()
}

func (p *PresenceTimer) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops the timer and waits until the queued announcements are sent.
func (p *PresenceTimer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.idleLocked()
	p.closed = true
	p.signal()
	p.mu.Unlock()
	<-p.done
}

func (p *PresenceTimer) resetLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	seq := p.seq
	p.timer = p.opts.Clock.AfterFunc(p.opts.QuietInterval, func() { p.expire(seq) })
}

func (p *PresenceTimer) expire(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || seq != p.seq {
		return
	}
	p.idleLocked()
}

func (p *PresenceTimer) idleLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.seq++
	if p.state != Active {
		return
	}
	p.state = Idle
	p.enqueueLocked(EventTypingStopped)
}

// enqueueLocked never blocks. While announcements are stalled the oldest
// pending ones are dropped; the latest state always goes out.
func (p *PresenceTimer) enqueueLocked(event string) {
	if len(p.queue) >= announceBuffer {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, event)
	p.signal()
}

func (p *PresenceTimer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next blocks until an announcement is pending; ok is false once closed and drained.
func (p *PresenceTimer) next() (event string, ok bool) {
	p.mu.Lock()
	for len(p.queue) == 0 {
		if p.closed {
			p.mu.Unlock()
			return "", false
		}
		p.mu.Unlock()
		<-p.wake
		p.mu.Lock()
	}
	event = p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()
	return event, true
}

func (p *PresenceTimer) send() {
	defer close(p.done)
	for {
		event, ok := p.next()
		if !ok {
			return
		}
		if p.opts.Announce == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		err := p.opts.Announce(ctx, event)
		cancel()
		if err != nil && p.opts.Logger != nil {
			p.opts.Logger.Warn(fmt.Sprintf("announcing %s: %v", event, err), err)
		}
	}
}
