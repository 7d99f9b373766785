package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/core/realtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	outboxSize   = 256
)

var (
	errMissingRef   = errors.New("missing ref")
	errDuplicateRef = errors.New("ref already in use")
	errUnknownSub   = errors.New("unknown subscription")
	errUnknownFrame = errors.New("unknown frame type")
	errTopicDenied  = errors.New("topic not open to clients")

	// table topics clients may follow, each with the column it must be filtered on
	clientFeeds = map[string]string{
		portal.TableMessages: "channel_id",
		portal.TableMembers:  "channel_id",
	}
)

// clientTopic is the topic a subscribe frame asks for, if clients may follow it.
func clientTopic(f realtime.Frame) (realtime.Topic, error) {
	topic := realtime.Topic{Name: f.Topic}
	if f.Filter != nil {
		topic.Filter = *f.Filter
	}
	if err := topic.Validate(); err != nil {
		return topic, err
	}
	if col, ok := clientFeeds[topic.Name]; !ok || topic.Filter.Column != col || topic.Filter.Value == "" {
		return topic, errors.Wrap(errTopicDenied, topic.String())
	}
	return topic, nil
}

// gateway relays a realtime.Backend to websocket clients.
type gateway struct {
	rt       realtime.Backend
	logger   core.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*gatewayClient]struct{}
	closed  bool
}

func newGateway(rt realtime.Backend, logger core.Logger, conf *core.Config) *gateway {
	origins := conf.Server.AllowedOrigins
	return &gateway{
		rt:     rt,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  conf.Server.WebsocketBufferSize,
			WriteBufferSize: conf.Server.WebsocketBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, o := range origins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
		clients: make(map[*gatewayClient]struct{}),
	}
}

func (gw *gateway) serve(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	// the upgrader replies to failed handshakes itself
	ws, err := gw.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return nil
	}

	c := newGatewayClient(gw, ws, sess)
	if !gw.add(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	defer gw.remove(c)
	c.run()
	return nil
}

func (gw *gateway) add(c *gatewayClient) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return false
	}
	gw.clients[c] = struct{}{}
	return true
}

func (gw *gateway) remove(c *gatewayClient) {
	gw.mu.Lock()
	delete(gw.clients, c)
	gw.mu.Unlock()
}

// Clients returns the number of connected clients.
func (gw *gateway) Clients() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.clients)
}

// close disconnects every client. Hijacked connections are not tracked by http.Server.Shutdown.
func (gw *gateway) close() {
	gw.mu.Lock()
	gw.closed = true
	clients := make([]*gatewayClient, 0, len(gw.clients))
	for c := range gw.clients {
		clients = append(clients, c)
	}
	gw.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// gatewayClient is one websocket connection and the subscriptions it opened.
type gatewayClient struct {
	gw   *gateway
	ws   *websocket.Conn
	sess portal.Session

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan realtime.Frame
	once   sync.Once

	mu   sync.Mutex
	subs map[string]realtime.Subscription
}

func newGatewayClient(gw *gateway, ws *websocket.Conn, sess portal.Session) *gatewayClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &gatewayClient{
		gw:     gw,
		ws:     ws,
		sess:   sess,
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan realtime.Frame, outboxSize),
		subs:   make(map[string]realtime.Subscription),
	}
}

// run serves the connection until it closes.
func (c *gatewayClient) run() {
	go c.writeLoop()
	c.readLoop()
	c.shutdown()
}

func (c *gatewayClient) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f realtime.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gw.logger.Info(fmt.Sprintf("realtime gateway: client %s: %v", c.sess.UserID, err))
			}
			return
		}
		if err := c.handle(f); err != nil {
			c.enqueue(realtime.Frame{Type: realtime.FrameError, Ref: f.Ref, Sub: f.Sub, Error: err.Error()})
			continue
		}
		c.enqueue(realtime.Frame{Type: realtime.FrameAck, Ref: f.Ref, Sub: f.Sub})
	}
}

func (c *gatewayClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue hands f to the writer, blocking while the outbox is full.
func (c *gatewayClient) enqueue(f realtime.Frame) {
	select {
	case c.outbox <- f:
	case <-c.ctx.Done():
	}
}

func (c *gatewayClient) handle(f realtime.Frame) error {
	switch f.Type {
	case realtime.FrameSubscribe:
		return c.subscribe(f.Ref, func(h realtime.Handler) (realtime.Subscription, error) {
			topic, err := clientTopic(f)
			if err != nil {
				return nil, err
			}
			return c.gw.rt.Subscribe(c.ctx, topic, h)
		})
	case realtime.FrameSubscribeBroadcast:
		return c.subscribe(f.Ref, func(h realtime.Handler) (realtime.Subscription, error) {
			return c.gw.rt.SubscribeBroadcast(c.ctx, f.Topic, h)
		})
	case realtime.FrameUnsubscribe:
		sub := c.takeSub(f.Sub)
		if sub == nil {
			return errUnknownSub
		}
		return sub.Close()
	case realtime.FrameSend:
		return c.gw.rt.Send(c.ctx, f.Topic, f.Event, c.stamp(f.Payload))
	}
	return errors.Wrap(errUnknownFrame, string(f.Type))
}

func (c *gatewayClient) subscribe(ref string, open func(realtime.Handler) (realtime.Subscription, error)) error {
	if ref == "" {
		return errMissingRef
	}
	c.mu.Lock()
	_, exists := c.subs[ref]
	c.mu.Unlock()
	if exists {
		return errDuplicateRef
	}

	sub, err := open(func(ev realtime.ChangeEvent) {
		c.enqueue(realtime.Frame{Type: realtime.FrameEvent, Sub: ref, Change: &ev})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ctx.Err() != nil { // shut down meanwhile
		c.mu.Unlock()
		_ = sub.Close()
		return realtime.ErrClosed
	}
	c.subs[ref] = sub
	c.mu.Unlock()
	go c.watch(ref, sub)
	return nil
}

// watch tells the client when the backend drops sub.
func (c *gatewayClient) watch(ref string, sub realtime.Subscription) {
	select {
	case <-sub.Done():
	case <-c.ctx.Done():
		return
	}
	if err := sub.Err(); err != nil && c.takeSub(ref) != nil {
		c.enqueue(realtime.Frame{Type: realtime.FrameDropped, Sub: ref, Error: err.Error()})
	}
}

func (c *gatewayClient) takeSub(ref string) realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[ref]
	if !ok {
		return nil
	}
	delete(c.subs, ref)
	return sub
}

// stamp attributes a broadcast to the session user.
func (c *gatewayClient) stamp(payload realtime.Record) realtime.Record {
	rec := make(realtime.Record, len(payload)+2)
	for k, v := range payload {
		rec[k] = v
	}
	rec["user_id"] = c.sess.UserID
	if c.sess.Name != "" {
		rec["name"] = c.sess.Name
	}
	return rec
}

func (c *gatewayClient) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.shutdown()
}

// shutdown closes the connection and every subscription it opened.
func (c *gatewayClient) shutdown() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close()

		c.mu.Lock()
		subs := make([]realtime.Subscription, 0, len(c.subs))
		for ref, sub := range c.subs {
			subs = append(subs, sub)
			delete(c.subs, ref)
		}
		c.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Close()
		}
	})
}
