package echoapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/core/realtime"
	"github.com/trezcool/unihub/storage/realtime/wsclient"
	testutil "github.com/trezcool/unihub/tests"
)

const waitFor = 2 * time.Second

func startGateway(t *testing.T, app testApp) string {
	t.Helper()
	srv := httptest.NewServer(app.server)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
}

func dialClient(t *testing.T, url, token string) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := wsclient.Dial(ctx, url, wsclient.Options{Token: token, RequestTimeout: waitFor})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func collect(events chan<- realtime.ChangeEvent) realtime.Handler {
	return func(ev realtime.ChangeEvent) { events <- ev }
}

func TestGateway_changes(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)
	ch := testutil.CreateChannel(t, app.repo, "Algorithms", portal.ChannelCourse, amani)
	other := testutil.CreateChannel(t, app.repo, "Chess", portal.ChannelInterest, amani)
	token := app.getToken(t, amani)
	client := dialClient(t, url, token)

	events := make(chan realtime.ChangeEvent, 10)
	topic := realtime.Topic{Name: portal.TableMessages, Filter: realtime.Filter{Column: "channel_id", Value: ch.ID}}
	sub, err := client.Subscribe(context.Background(), topic, collect(events))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	post := func(channelID, content string) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/channels/"+channelID+"/messages", token, []byte(`{"content": "`+content+`"}`))
		app.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	post(other.ID, "elsewhere")
	post(ch.ID, "hello")

	select {
	case ev := <-events:
		assert.Equal(t, realtime.OpInsert, ev.Op)
		msg, err := portal.DecodeMessage(ev.Record)
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, ch.ID, msg.ChannelID)
	case <-time.After(waitFor):
		t.Fatal("no event received")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool { return app.hub.Subscribers(portal.TableMessages) == 0 }, waitFor, 10*time.Millisecond,
		"unsubscribing closes the backend subscription")
}

func TestGateway_broadcast(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)
	bisimwa := testutil.CreateProfile(t, app.repo, "Bisimwa", portal.RoleAcademic)
	sender := dialClient(t, url, app.getToken(t, amani))
	receiver := dialClient(t, url, app.getToken(t, bisimwa))

	events := make(chan realtime.ChangeEvent, 10)
	topic := realtime.TypingTopic("c1")
	sub, err := receiver.SubscribeBroadcast(context.Background(), topic, collect(events))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	err = sender.Send(context.Background(), topic, realtime.EventTyping, realtime.Record{"user_id": bisimwa.ID, "name": "Spoofed"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, realtime.OpBroadcast, ev.Op)
		assert.Equal(t, realtime.EventTyping, ev.Event)
		assert.Equal(t, amani.ID, ev.Record["user_id"], "sends are stamped with the session user")
		assert.Equal(t, "Amani", ev.Record["name"])
	case <-time.After(waitFor):
		t.Fatal("no broadcast received")
	}
}

func TestGateway_dropped(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)
	client := dialClient(t, url, app.getToken(t, amani))

	topic := realtime.Topic{Name: portal.TableMembers, Filter: realtime.Filter{Column: "channel_id", Value: "c1"}}
	sub, err := client.Subscribe(context.Background(), topic, func(realtime.ChangeEvent) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return app.hub.Subscribers(portal.TableMembers) == 1 }, waitFor, 10*time.Millisecond)
	app.hub.Drop(portal.TableMembers, errors.New("replica lost"))

	select {
	case <-sub.Done():
		assert.True(t, errors.Is(sub.Err(), realtime.ErrDropped), "err = %v", sub.Err())
	case <-time.After(waitFor):
		t.Fatal("subscription not dropped")
	}
}

func TestGateway_auth(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)
	token := app.getToken(t, amani)

	tests := []struct {
		name     string
		url      string
		wantCode int
	}{
		{name: "no token", url: url, wantCode: http.StatusUnauthorized},
		{name: "bad token", url: url + "?token=nope", wantCode: http.StatusUnauthorized},
		{name: "query token", url: url + "?token=" + token, wantCode: http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if ws != nil {
				_ = ws.Close()
			}
			if (err != nil) != (tt.wantCode != http.StatusSwitchingProtocols) {
				t.Errorf("Dial() error = %v, wantCode %v", err, tt.wantCode)
			}
			if assert.NotNil(t, resp) {
				assert.Equal(t, tt.wantCode, resp.StatusCode)
			}
		})
	}
}

func TestGateway_frames(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+app.getToken(t, amani))
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	tests := []struct {
		name      string
		frame     realtime.Frame
		wantType  realtime.FrameType
		wantError string
	}{
		{
			name:      "missing ref",
			frame:     realtime.Frame{Type: realtime.FrameSubscribe, Topic: portal.TableMessages},
			wantType:  realtime.FrameError,
			wantError: errMissingRef.Error(),
		},
		{
			name:      "invalid topic",
			frame:     realtime.Frame{Type: realtime.FrameSubscribe, Ref: "1", Topic: "no spaces"},
			wantType:  realtime.FrameError,
			wantError: realtime.ErrInvalidTopic.Error(),
		},
		{
			name:      "unfiltered table",
			frame:     realtime.Frame{Type: realtime.FrameSubscribe, Ref: "1a", Topic: portal.TableMessages},
			wantType:  realtime.FrameError,
			wantError: errTopicDenied.Error(),
		},
		{
			name:      "wrong filter column",
			frame:     realtime.Frame{Type: realtime.FrameSubscribe, Ref: "1b", Topic: portal.TableMessages, Filter: &realtime.Filter{Column: "user_id", Value: "u1"}},
			wantType:  realtime.FrameError,
			wantError: errTopicDenied.Error(),
		},
		{
			name:      "closed table",
			frame:     realtime.Frame{Type: realtime.FrameSubscribe, Ref: "1c", Topic: portal.TableChannels, Filter: &realtime.Filter{Column: "channel_id", Value: "c1"}},
			wantType:  realtime.FrameError,
			wantError: errTopicDenied.Error(),
		},
		{
			name:     "subscribe",
			frame:    realtime.Frame{Type: realtime.FrameSubscribe, Ref: "2", Topic: portal.TableMessages, Filter: &realtime.Filter{Column: "channel_id", Value: "c1"}},
			wantType: realtime.FrameAck,
		},
		{
			name:      "duplicate ref",
			frame:     realtime.Frame{Type: realtime.FrameSubscribeBroadcast, Ref: "2", Topic: "typing:c1"},
			wantType:  realtime.FrameError,
			wantError: errDuplicateRef.Error(),
		},
		{
			name:     "unsubscribe",
			frame:    realtime.Frame{Type: realtime.FrameUnsubscribe, Ref: "3", Sub: "2"},
			wantType: realtime.FrameAck,
		},
		{
			name:      "unsubscribe twice",
			frame:     realtime.Frame{Type: realtime.FrameUnsubscribe, Ref: "4", Sub: "2"},
			wantType:  realtime.FrameError,
			wantError: errUnknownSub.Error(),
		},
		{
			name:      "unknown type",
			frame:     realtime.Frame{Type: "shout", Ref: "5"},
			wantType:  realtime.FrameError,
			wantError: errUnknownFrame.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ws.WriteJSON(tt.frame))
			_ = ws.SetReadDeadline(time.Now().Add(waitFor))

			var reply realtime.Frame
			require.NoError(t, ws.ReadJSON(&reply))
			assert.Equal(t, tt.wantType, reply.Type)
			assert.Equal(t, tt.frame.Ref, reply.Ref)
			assert.Contains(t, reply.Error, tt.wantError)
		})
	}
}

func TestServer_Shutdown(t *testing.T) {
	app := setup(t)
	url := startGateway(t, app)
	amani := testutil.CreateProfile(t, app.repo, "Amani", portal.RoleStudent)
	client := dialClient(t, url, app.getToken(t, amani))

	sub, err := client.SubscribeBroadcast(context.Background(), "announcements", func(realtime.ChangeEvent) {})
	require.NoError(t, err)
	require.Equal(t, 1, app.server.gateway.Clients())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, app.server.Shutdown(ctx))

	select {
	case <-sub.Done():
		assert.True(t, errors.Is(sub.Err(), realtime.ErrDropped))
	case <-time.After(waitFor):
		t.Fatal("subscription survived the shutdown")
	}
	assert.Eventually(t, func() bool { return app.hub.Subscribers("announcements") == 0 }, waitFor, 10*time.Millisecond)
}
