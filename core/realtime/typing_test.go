package realtime_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/unihub/core/realtime"
	"github.com/trezcool/unihub/storage/realtime/memory"
)

func typingNames(s *realtime.TypingSet) []string {
	out := []string{}
	for _, u := range s.Users() {
		out = append(out, u.Name)
	}
	return out
}

func newTypingSet(hub *memrealtime.Hub, mock *clock.Mock, lookups, changes *int32) *realtime.TypingSet {
	names := map[string]string{"u1": "Amani", "u2": "Baraka"}
	return realtime.NewTypingSet(realtime.TypingOptions{
		Broadcaster: hub,
		Topic:       realtime.TypingTopic("c1"),
		Self:        "me",
		Clock:       mock,
		Expiry:      6 * time.Second,
		LookupName: func(_ context.Context, userID string) (string, error) {
			atomic.AddInt32(lookups, 1)
			if name, ok := names[userID]; ok {
				return name, nil
			}
			return "", errors.New("not found")
		},
		OnChange: func([]realtime.TypingUser) { atomic.AddInt32(changes, 1) },
	})
}

func TestTypingSet(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()
	topic := realtime.TypingTopic("c1")

	var lookups, changes int32
	s := newTypingSet(hub, clock.NewMock(), &lookups, &changes)
	require.NoError(t, s.Mount(ctx))
	defer s.Unmount()

	require.NoError(t, hub.Send(ctx, topic, realtime.EventTyping, realtime.Record{"user_id": "me"}))
	require.NoError(t, hub.Send(ctx, topic, realtime.EventTyping, realtime.Record{"user_id": "u1"}))
	require.NoError(t, hub.Send(ctx, topic, realtime.EventTyping, realtime.Record{"user_id": "u2"}))
	require.NoError(t, hub.Send(ctx, topic, realtime.EventTyping, realtime.Record{"user_id": "u1"})) // heartbeat
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"Amani", "Baraka"}, typingNames(s))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&lookups), "known peers are not looked up again")

	require.NoError(t, hub.Send(ctx, topic, realtime.EventTypingStopped, realtime.Record{"user_id": "u1"}))
	require.NoError(t, hub.Send(ctx, topic, realtime.EventTypingStopped, realtime.Record{"user_id": "u9"}))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"Baraka"}, typingNames(s))
	}, time.Second, 5*time.Millisecond)
}

func TestTypingSet_Expiry(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()
	topic := realtime.TypingTopic("c1")
	mock := clock.NewMock()

	var lookups, changes int32
	s := newTypingSet(hub, mock, &lookups, &changes)
	require.NoError(t, s.Mount(ctx))
	defer s.Unmount()

	require.NoError(t, hub.Send(ctx, topic, realtime.EventTyping, realtime.Record{"user_id": "u1"}))
	// mount, then the insert; OnChange runs once the expiry is armed
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&changes) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Users(), 1)

	// the peer went away without saying so
	mock.Add(5 * time.Second)
	assert.Never(t, func() bool { return len(s.Users()) == 0 }, 50*time.Millisecond, 5*time.Millisecond)
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return len(s.Users()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTypingSet_UnknownPeerIsDropped(t *testing.T) {
	hub := memrealtime.NewHub(0)
	defer hub.Close()
	ctx := context.Background()

	var (
		lookups  int32
		reported int32
	)
	s := realtime.NewTypingSet(realtime.TypingOptions{
		Broadcaster: hub,
		Topic:       realtime.TypingTopic("c1"),
		LookupName: func(context.Context, string) (string, error) {
			atomic.AddInt32(&lookups, 1)
			return "", errors.New("not found")
		},
		OnError: func(error) { atomic.AddInt32(&reported, 1) },
	})
	require.NoError(t, s.Mount(ctx))
	defer s.Unmount()

	require.NoError(t, hub.Send(ctx, realtime.TypingTopic("c1"), realtime.EventTyping, realtime.Record{"user_id": "ghost"}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reported) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Users())
}
