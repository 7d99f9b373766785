package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/trezcool/unihub/core"
)

// TypingUser is a remote peer currently typing.
type TypingUser struct {
	UserID string
	Name   string
	Since  time.Time
}

var TypingKeys = Keys[TypingUser]{
	ID:   func(u TypingUser) string { return u.UserID },
	Time: func(u TypingUser) time.Time { return u.Since },
}

// TypingTopic is the broadcast topic carrying the typing events of a channel.
func TypingTopic(channelID string) string {
	return "typing:" + channelID
}

type TypingOptions struct {
	Broadcaster Broadcaster
	Topic       string
	Self        string // local user, whose own events are ignored
	Clock       clock.Clock
	// Expiry removes a peer not heard from for that long. 0 keeps peers until they stop.
	Expiry     time.Duration
	LookupName func(ctx context.Context, userID string) (string, error)
	OnChange   func(users []TypingUser)
	OnError    func(err error)
	Reconnect  ReconnectPolicy
	Logger     core.Logger
}

// TypingSet tracks the remote peers typing on a broadcast topic.
type TypingSet struct {
	list   *LiveList[TypingUser]
	clock  clock.Clock
	expiry time.Duration

	mu     sync.Mutex
	timers map[string]*clock.Timer
	closed bool
}

func NewTypingSet(opts TypingOptions) *TypingSet {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &TypingSet{
		clock:  opts.Clock,
		expiry: opts.Expiry,
		timers: make(map[string]*clock.Timer),
	}
	s.list = NewLiveList(ListOptions[TypingUser]{
		Name:      "typing",
		Open:      BroadcastOpener(opts.Broadcaster, opts.Topic),
		Keys:      TypingKeys,
		Translate: s.translator(opts.Self),
		Resolve:   s.resolver(opts.LookupName),
		Observe:   s.observe,
		OnChange:  opts.OnChange,
		OnError:   opts.OnError,
		Reconnect: opts.Reconnect,
		Logger:    opts.Logger,
	})
	return s
}

func (s *TypingSet) Mount(ctx context.Context) error {
	return s.list.Mount(ctx)
}

func (s *TypingSet) Users() []TypingUser {
	return s.list.Items()
}

func (s *TypingSet) Err() error {
	return s.list.Err()
}

func (s *TypingSet) Unmount() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.list.Unmount()
}

func (s *TypingSet) translator(self string) Translator[TypingUser] {
	return func(ev ChangeEvent) (Delta[TypingUser], bool, error) {
		if ev.Op != OpBroadcast {
			return Delta[TypingUser]{}, false, nil
		}
		userID, err := ev.Record.String(ev.Topic, "user_id")
		if err != nil {
			return Delta[TypingUser]{}, false, err
		}
		if userID == self {
			return Delta[TypingUser]{}, false, nil
		}

		switch ev.Event {
		case EventTyping:
			since := ev.At
			if since.IsZero() {
				since = s.clock.Now()
			}
			name, _ := ev.Record.OptString(ev.Topic, "name")
			return Delta[TypingUser]{
				Op:   OpUpdate,
				ID:   userID,
				Item: TypingUser{UserID: userID, Name: name, Since: since},
			}, true, nil
		case EventTypingStopped:
			return Delta[TypingUser]{Op: OpDelete, ID: userID}, true, nil
		}
		return Delta[TypingUser]{}, false, nil
	}
}

func (s *TypingSet) resolver(lookup func(context.Context, string) (string, error)) func(context.Context, Delta[TypingUser]) (Delta[TypingUser], error) {
	if lookup == nil {
		return nil
	}
	return func(ctx context.Context, d Delta[TypingUser]) (Delta[TypingUser], error) {
		if d.Item.Name != "" {
			return d, nil
		}
		if cur, ok := s.list.Get(d.ID); ok && cur.Name != "" {
			d.Item.Name = cur.Name
			d.Item.Since = cur.Since
			return d, nil
		}
		name, err := lookup(ctx, d.ID)
		if err != nil {
			return d, err
		}
		d.Item.Name = name
		return d, nil
	}
}

// observe arms the expiry of peers that announced and disarms it for peers that stopped.
func (s *TypingSet) observe(d Delta[TypingUser]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[d.ID]; ok {
		t.Stop()
		delete(s.timers, d.ID)
	}
	if s.closed || s.expiry <= 0 || d.Op == OpDelete {
		return
	}

	var t *clock.Timer
	id := d.ID
	t = s.clock.AfterFunc(s.expiry, func() {
		s.mu.Lock()
		current := s.timers[id] == t
		if current {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		typingExpired.Inc()
		_ = s.list.Apply(Delta[TypingUser]{Op: OpDelete, ID: id})
	})
	s.timers[id] = t
}
