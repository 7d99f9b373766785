// Package wsclient is a realtime.Backend talking to the API's websocket gateway.
//
// The connection is dialed lazily and redialed by the next subscription after
// it is lost; losing it drops every subscription it carried.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var (
	errConnectionLost = errors.New("gateway connection lost")

	// mockable
	newRef = func() string { return ulid.Make().String() }
)

type Options struct {
	Token          string
	Buffer         int
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         core.Logger
}

type Client struct {
	url  string
	opts Options

	mu     sync.Mutex
	conn   *conn
	closed bool
}

var _ realtime.Backend = (*Client)(nil)

func New(url string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{url: url, opts: opts}
}

// Dial returns a Client already connected to url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	c := New(url, opts)
	if _, err := c.session(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// session returns the live connection, dialing a new one if needed.
func (c *Client) session(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, realtime.ErrClosed
	}
	if c.conn != nil && !c.conn.isDone() {
		return c.conn, nil
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing gateway (%s)", resp.Status)
		}
		return nil, errors.Wrap(err, "dialing gateway")
	}

	cn := &conn{
		client:  c,
		ws:      ws,
		pending: make(map[string]chan realtime.Frame),
		subs:    make(map[string]*realtime.Dispatcher),
		done:    make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go cn.readLoop()
	c.conn = cn
	return cn, nil
}

func (c *Client) Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	f := realtime.Frame{Type: realtime.FrameSubscribe, Topic: topic.Name}
	if !topic.Filter.IsZero() {
		filter := topic.Filter
		f.Filter = &filter
	}
	return c.subscribe(ctx, topic, f, handler)
}

func (c *Client) SubscribeBroadcast(ctx context.Context, name string, handler realtime.Handler) (realtime.Subscription, error) {
	if err := realtime.ValidateTopicName(name); err != nil {
		return nil, realtime.NewSubscribeError(name, err)
	}
	return c.subscribe(ctx, realtime.Topic{Name: name}, realtime.Frame{Type: realtime.FrameSubscribeBroadcast, Topic: name}, handler)
}

func (c *Client) subscribe(ctx context.Context, topic realtime.Topic, f realtime.Frame, handler realtime.Handler) (realtime.Subscription, error) {
	cn, err := c.session(ctx)
	if err != nil {
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}

	f.Ref = newRef()
	disp := realtime.NewDispatcher(topic, handler, c.opts.Buffer, func() {
		cn.removeSub(f.Ref)
		if !cn.isDone() {
			go func() { _ = cn.write(realtime.Frame{Type: realtime.FrameUnsubscribe, Ref: newRef(), Sub: f.Ref}) }()
		}
	})
	// registered first: events may follow the ack immediately
	cn.addSub(f.Ref, disp)

	if _, err = cn.request(ctx, f); err != nil {
		_ = disp.Close()
		return nil, realtime.NewSubscribeError(topic.String(), err)
	}
	return disp, nil
}

// Send relays a broadcast through the gateway, which stamps it with the session's user id.
func (c *Client) Send(ctx context.Context, name, event string, payload realtime.Record) error {
	if err := realtime.ValidateTopicName(name); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	cn, err := c.session(ctx)
	if err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	f := realtime.Frame{Type: realtime.FrameSend, Ref: newRef(), Topic: name, Event: event, Payload: payload}
	if _, err = cn.request(ctx, f); err != nil {
		return errors.Wrap(err, "sending broadcast")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn != nil {
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		cn.fail(realtime.ErrClosed)
	}
	return nil
}

func (c *Client) logWarn(msg string, err error) {
	if c.opts.Logger != nil {
		c.opts.Logger.Warn(fmt.Sprintf("%s: %v", msg, err), err)
	}
}

// conn is one gateway connection.
type conn struct {
	client *Client
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan realtime.Frame
	subs    map[string]*realtime.Dispatcher
	done    chan struct{}
	failed  bool
}

func (cn *conn) isDone() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}

func (cn *conn) write(f realtime.Frame) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.ws.WriteJSON(f); err != nil {
		return errors.Wrapf(err, "writing %s frame", f.Type)
	}
	return nil
}

// request writes f and waits for its ack.
func (cn *conn) request(ctx context.Context, f realtime.Frame) (realtime.Frame, error) {
	reply := make(chan realtime.Frame, 1)
	cn.mu.Lock()
	if cn.failed {
		cn.mu.Unlock()
		return realtime.Frame{}, errConnectionLost
	}
	cn.pending[f.Ref] = reply
	cn.mu.Unlock()
	defer func() {
		cn.mu.Lock()
		delete(cn.pending, f.Ref)
		cn.mu.Unlock()
	}()

	if err := cn.write(f); err != nil {
		cn.fail(err)
		return realtime.Frame{}, err
	}

	timer := time.NewTimer(cn.client.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Type == realtime.FrameError {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-cn.done:
		return realtime.Frame{}, errConnectionLost
	case <-timer.C:
		return realtime.Frame{}, errors.Errorf("%s: no reply from gateway", f.Type)
	case <-ctx.Done():
		return realtime.Frame{}, ctx.Err()
	}
}

func (cn *conn) addSub(ref string, d *realtime.Dispatcher) {
	cn.mu.Lock()
	cn.subs[ref] = d
	cn.mu.Unlock()
}

func (cn *conn) removeSub(ref string) {
	cn.mu.Lock()
	delete(cn.subs, ref)
	cn.mu.Unlock()
}

func (cn *conn) sub(ref string) *realtime.Dispatcher {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.subs[ref]
}

func (cn *conn) readLoop() {
	for {
		var f realtime.Frame
		if err := cn.ws.ReadJSON(&f); err != nil {
			cn.fail(err)
			return
		}
		switch f.Type {
		case realtime.FrameAck, realtime.FrameError:
			cn.mu.Lock()
			reply, ok := cn.pending[f.Ref]
			cn.mu.Unlock()
			if ok {
				reply <- f
			}
		case realtime.FrameEvent:
			if d := cn.sub(f.Sub); d != nil && f.Change != nil {
				d.Push(*f.Change)
			}
		case realtime.FrameDropped:
			if d := cn.sub(f.Sub); d != nil {
				d.Drop(errors.New(f.Error))
			}
		}
	}
}

// fail ends the connection and every subscription it carried.
func (cn *conn) fail(cause error) {
	cn.mu.Lock()
	if cn.failed {
		cn.mu.Unlock()
		return
	}
	cn.failed = true
	close(cn.done)
	subs := make([]*realtime.Dispatcher, 0, len(cn.subs))
	for _, d := range cn.subs {
		subs = append(subs, d)
	}
	cn.mu.Unlock()

	_ = cn.ws.Close()
	if cause != realtime.ErrClosed {
		cn.client.logWarn("realtime gateway: connection lost", cause)
		cause = errors.Wrap(errConnectionLost, cause.Error())
	}
	for _, d := range subs {
		d.Drop(cause)
	}

	c := cn.client
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()
}
