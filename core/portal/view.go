package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

var ErrNotMounted = errors.New("view not mounted")

// DataSource is the data access a ChannelView needs. *Service implements it,
// and so does the API client used by remote views.
type DataSource interface {
	ProfileSource
	GetChannel(ctx context.Context, id string) (Channel, error)
	Messages(ctx context.Context, channelID string) ([]Message, error)
	Members(ctx context.Context, channelID string) ([]Member, error)
	PostMessage(ctx context.Context, sess Session, channelID, content string) (Message, error)
}

type ViewOptions struct {
	Session  Session
	Data     DataSource
	Realtime realtime.Backend
	Profiles *ProfileCache // optional, shared between views

	Clock         clock.Clock
	QuietInterval time.Duration
	Heartbeat     time.Duration
	TypingExpiry  time.Duration
	Reconnect     realtime.ReconnectPolicy

	// OnChange receives the new state after every change. It must not call back into the view.
	OnChange func(ViewState)
	OnError  func(error)
	Logger   core.Logger
}

// ViewState is what the channel screen renders.
type ViewState struct {
	Channel  Channel
	Messages []Message
	Members  []Member
	Typing   []realtime.TypingUser
	Presence realtime.PresenceState
	Live     bool // false when live updates could not be established
}

// ChannelView is the live state of one channel screen: its messages, its
// members, who is typing, and the local user's typing presence.
type ChannelView struct {
	opts     ViewOptions
	profiles *ProfileCache

	mu       sync.Mutex
	channel  Channel
	messages *realtime.LiveList[Message]
	members  *realtime.LiveList[Member]
	typing   *realtime.TypingSet
	presence *realtime.PresenceTimer
	err      error
}

func NewChannelView(opts ViewOptions) *ChannelView {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.QuietInterval <= 0 {
		opts.QuietInterval = realtime.DefaultQuietInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = realtime.DefaultHeartbeat
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = realtime.DefaultTypingExpiry
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = NewProfileCache(opts.Data)
	}
	return &ChannelView{opts: opts, profiles: profiles}
}

// Mount loads channelID and starts its live lists.
//
// When live updates cannot be established the snapshot is still shown, OnError
// is told once and State().Live is false.
func (v *ChannelView) Mount(ctx context.Context, channelID string) error {
	if err := v.opts.Session.Valid(); err != nil {
		return err
	}
	v.mu.Lock()
	mounted := v.messages != nil
	v.mu.Unlock()
	if mounted {
		return errors.New("view already mounted")
	}

	ch, err := v.opts.Data.GetChannel(ctx, channelID)
	if err != nil {
		return errors.Wrap(err, "getting channel")
	}

	messages := v.newMessageList(channelID)
	members := v.newMemberList(channelID)
	typing := realtime.NewTypingSet(realtime.TypingOptions{
		Broadcaster: v.opts.Realtime,
		Topic:       realtime.TypingTopic(channelID),
		Self:        v.opts.Session.UserID,
		Clock:       v.opts.Clock,
		Expiry:      v.opts.TypingExpiry,
		LookupName:  v.profiles.Name,
		OnChange:    func([]realtime.TypingUser) { v.emit() },
		OnError:     v.report,
		Reconnect:   v.opts.Reconnect,
		Logger:      v.opts.Logger,
	})
	presence := realtime.NewPresenceTimer(realtime.PresenceOptions{
		Clock:         v.opts.Clock,
		QuietInterval: v.opts.QuietInterval,
		Heartbeat:     v.opts.Heartbeat,
		Announce:      v.announcer(channelID),
		Logger:        v.opts.Logger,
	})

	v.mu.Lock()
	v.channel = ch
	v.messages, v.members, v.typing, v.presence = messages, members, typing, presence
	v.err = nil
	v.mu.Unlock()

	var (
		subMu   sync.Mutex
		subErrs []error
	)
	mount := func(fn func(context.Context) error) func() error {
		return func() error {
			err := fn(ctx)
			if errors.Is(err, realtime.ErrSubscribe) {
				subMu.Lock()
				subErrs = append(subErrs, err)
				subMu.Unlock()
				return nil
			}
			return err
		}
	}
	var g errgroup.Group
	g.Go(mount(messages.Mount))
	g.Go(mount(members.Mount))
	g.Go(mount(typing.Mount))
	if err := g.Wait(); err != nil {
		v.Unmount()
		return err
	}

	if len(subErrs) > 0 {
		err := errors.Wrap(subErrs[0], "live updates unavailable")
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
		v.report(err)
	}
	v.emit()
	return nil
}

func (v *ChannelView) newMessageList(channelID string) *realtime.LiveList[Message] {
	return realtime.NewLiveList(realtime.ListOptions[Message]{
		Name:      TableMessages,
		Open:      realtime.FeedOpener(v.opts.Realtime, channelTopic(TableMessages, channelID)),
		Keys:      MessageKeys,
		Translate: realtime.RowTranslator(DecodeMessage, MessageKeys),
		Fetch: func(ctx context.Context) ([]Message, error) {
			msgs, err := v.opts.Data.Messages(ctx, channelID)
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				v.profiles.Put(m.Author)
			}
			return msgs, nil
		},
		Resolve: func(ctx context.Context, d realtime.Delta[Message]) (realtime.Delta[Message], error) {
			if d.Item.Author.ID == "" {
				d.Item.Author = v.profile(ctx, d.Item.UserID)
			}
			return d, nil
		},
		OnChange:  func([]Message) { v.emit() },
		OnError:   v.report,
		Reconnect: v.opts.Reconnect,
		Logger:    v.opts.Logger,
	})
}

func (v *ChannelView) newMemberList(channelID string) *realtime.LiveList[Member] {
	return realtime.NewLiveList(realtime.ListOptions[Member]{
		Name:      TableMembers,
		Open:      realtime.FeedOpener(v.opts.Realtime, channelTopic(TableMembers, channelID)),
		Keys:      MemberKeys,
		Translate: realtime.RowTranslator(DecodeMember, MemberKeys),
		Fetch: func(ctx context.Context) ([]Member, error) {
			members, err := v.opts.Data.Members(ctx, channelID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				v.profiles.Put(m.Profile)
			}
			return members, nil
		},
		Resolve: func(ctx context.Context, d realtime.Delta[Member]) (realtime.Delta[Member], error) {
			if d.Item.Profile.ID == "" {
				d.Item.Profile = v.profile(ctx, d.Item.UserID)
			}
			return d, nil
		},
		OnChange:  func([]Member) { v.emit() },
		OnError:   v.report,
		Reconnect: v.opts.Reconnect,
		Logger:    v.opts.Logger,
	})
}

func channelTopic(table, channelID string) realtime.Topic {
	return realtime.Topic{Name: table, Filter: realtime.Filter{Column: "channel_id", Value: channelID}}
}

// profile resolves an author, falling back to UnknownProfile when the lookup fails.
func (v *ChannelView) profile(ctx context.Context, userID string) Profile {
	p, err := v.profiles.Get(ctx, userID)
	if err != nil {
		if ctx.Err() == nil {
			v.report(errors.Wrapf(err, "getting profile %s", userID))
		}
		return UnknownProfile(userID)
	}
	return p
}

func (v *ChannelView) announcer(channelID string) func(context.Context, string) error {
	sess := v.opts.Session
	return func(ctx context.Context, event string) error {
		return v.opts.Realtime.Send(ctx, realtime.TypingTopic(channelID), event, realtime.Record{
			"user_id": sess.UserID,
			"name":    sess.Name,
		})
	}
}

// Input records a keystroke in the message box.
func (v *ChannelView) Input() {
	v.mu.Lock()
	presence := v.presence
	v.mu.Unlock()
	if presence != nil {
		presence.Input()
	}
}

// Send posts content. The message shows up at once and the realtime insert that follows is deduplicated.
func (v *ChannelView) Send(ctx context.Context, content string) (Message, error) {
	v.mu.Lock()
	channelID, presence, messages := v.channel.ID, v.presence, v.messages
	v.mu.Unlock()
	if messages == nil {
		return Message{}, ErrNotMounted
	}

	presence.Stop()
	msg, err := v.opts.Data.PostMessage(ctx, v.opts.Session, channelID, content)
	if err != nil {
		return Message{}, err
	}
	if msg.Author.ID == "" {
		msg.Author = Profile{ID: v.opts.Session.UserID, Name: v.opts.Session.DisplayName(), Role: v.opts.Session.Role}
	}
	_ = messages.Apply(realtime.Delta[Message]{Op: realtime.OpInsert, Item: msg})
	return msg, nil
}

// Switch re-keys the view to another channel.
func (v *ChannelView) Switch(ctx context.Context, channelID string) error {
	v.Unmount()
	return v.Mount(ctx, channelID)
}

// Unmount clears the local typing presence and tears every subscription down. It is idempotent.
func (v *ChannelView) Unmount() {
	v.mu.Lock()
	messages, members, typing, presence := v.messages, v.members, v.typing, v.presence
	v.messages, v.members, v.typing, v.presence = nil, nil, nil, nil
	v.mu.Unlock()

	if presence != nil {
		presence.Close()
	}
	if typing != nil {
		typing.Unmount()
	}
	if messages != nil {
		messages.Unmount()
	}
	if members != nil {
		members.Unmount()
	}
}

// Err returns the live update failure of the last Mount, if any.
func (v *ChannelView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *ChannelView) State() ViewState {
	v.mu.Lock()
	st := ViewState{Channel: v.channel, Live: v.err == nil}
	messages, members, typing, presence := v.messages, v.members, v.typing, v.presence
	v.mu.Unlock()

	if messages != nil {
		st.Messages = messages.Items()
	}
	if members != nil {
		st.Members = members.Items()
	}
	if typing != nil {
		st.Typing = typing.Users()
	}
	if presence != nil {
		st.Presence = presence.State()
	}
	return st
}

func (v *ChannelView) emit() {
	if v.opts.OnChange == nil {
		return
	}
	v.mu.Lock()
	mounted := v.messages != nil
	v.mu.Unlock()
	if mounted {
		v.opts.OnChange(v.State())
	}
}

func (v *ChannelView) report(err error) {
	if v.opts.OnError != nil {
		v.opts.OnError(err)
		return
	}
	if v.opts.Logger != nil {
		v.opts.Logger.Warn(fmt.Sprintf("channel view: %v", err), err)
	}
}
