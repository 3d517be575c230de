// Package cdp is a minimal Chrome DevTools Protocol client over a single
// websocket. It multiplexes commands for many flattened sessions and routes
// their events to per-session subscriptions.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/internal/observability"
)

const (
	// DefaultReadLimit bounds a single inbound frame. Screenshots and response
	// bodies of large pages arrive base64-encoded in one frame.
	DefaultReadLimit int64 = 500 << 20
	// DefaultCommandTimeout applies when Options.CommandTimeout is zero.
	DefaultCommandTimeout = 30 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Commander is the narrow view of a connection that sessions need.
type Commander interface {
	Send(ctx context.Context, sessionID target.SessionID, method cdproto.MethodType, params, result interface{}) error
	Subscribe(sessionID target.SessionID) *Subscription
}

// Options tunes a connection.
type Options struct {
	CommandTimeout   time.Duration
	ReadLimit        int64
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	return o
}

// Conn is a single browser-level protocol connection. It is safe for
// concurrent use. There is no reconnect: once Done is closed the Conn is dead.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Message
	subs    map[target.SessionID]map[*Subscription]struct{}
	closed  bool

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	err        error
}

// Dial connects to the browser's websocket debugger URL and starts the reader.
func Dial(ctx context.Context, wsURL string, opts Options, logger *zap.Logger) (*Conn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return newConn(ws, opts, logger), nil
}

func newConn(ws *websocket.Conn, opts Options, logger *zap.Logger) *Conn {
	ws.SetReadLimit(opts.ReadLimit)
	c := &Conn{
		ws:         ws,
		opts:       opts,
		logger:     logger.Named("transport"),
		pending:    make(map[int64]chan *Message),
		subs:       make(map[target.SessionID]map[*Subscription]struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection is closed or lost.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send issues a command and waits for its reply. An empty sessionID targets
// the browser itself. params may be nil; result, when non-nil, receives the
// decoded reply.
func (c *Conn) Send(ctx context.Context, sessionID target.SessionID, method cdproto.MethodType, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}

	reply := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.count(method, "closed")
		return c.closedErr()
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	c.mu.Unlock()
	observability.CDPPending.Inc()
	defer c.forget(id)

	frame, err := json.Marshal(&Message{ID: id, SessionID: sessionID, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.write(frame); err != nil {
		c.shutdown(fmt.Errorf("write: %w", err))
		c.count(method, "closed")
		return c.closedErr()
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		return c.finish(method, msg, result)
	case <-ctx.Done():
		c.count(method, "canceled")
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-timer.C:
		c.count(method, "timeout")
		return fmt.Errorf("%s after %s: %w", method, c.opts.CommandTimeout, ErrCommandTimeout)
	case <-c.done:
		// A reply may have raced the shutdown.
		select {
		case msg := <-reply:
			return c.finish(method, msg, result)
		default:
		}
		c.count(method, "closed")
		return c.closedErr()
	}
}

func (c *Conn) finish(method cdproto.MethodType, msg *Message, result interface{}) error {
	if msg.Error != nil {
		c.count(method, "protocol_error")
		perr := *msg.Error
		perr.Method = method
		return &perr
	}
	c.count(method, "ok")
	if result == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Conn) count(method cdproto.MethodType, outcome string) {
	observability.CDPCommands.WithLabelValues(string(method), outcome).Inc()
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// forget removes a pending entry unless the reader or shutdown already did.
func (c *Conn) forget(id int64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		observability.CDPPending.Dec()
	}
}

// Subscribe starts queueing events for sessionID. Close the subscription to stop.
func (c *Conn) Subscribe(sessionID target.SessionID) *Subscription {
	sub := newSubscription(c, sessionID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.shut(c.closedErr())
		return sub
	}
	set, ok := c.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

func (c *Conn) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(c.subs, sub.sessionID)
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			c.logger.Debug("Dropping undecodable frame.", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		if msg.ID != 0 {
			c.deliver(msg)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) deliver(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Dropping reply for unknown command.", zap.Int64("id", msg.ID))
		return
	}
	observability.CDPPending.Dec()
	ch <- msg
}

func (c *Conn) dispatch(msg *Message) {
	c.mu.Lock()
	set := c.subs[msg.SessionID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		observability.CDPEventsDropped.Inc()
		c.logger.Debug("Dropping event without subscriber.",
			zap.String("method", string(msg.Method)),
			zap.String("session_id", string(msg.SessionID)))
		return
	}
	for _, sub := range targets {
		sub.push(msg)
	}
}

// Close tears the connection down, failing every pending command and
// subscription with ErrClosed. It waits for the reader to exit. Idempotent.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	<-c.readerDone
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if errors.Is(cause, ErrClosed) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
			c.logger.Warn("Browser connection lost.", zap.Error(cause))
		}

		c.mu.Lock()
		c.closed = true
		dropped := len(c.pending)
		c.pending = make(map[int64]chan *Message)
		var subs []*Subscription
		for _, set := range c.subs {
			for sub := range set {
				subs = append(subs, sub)
			}
		}
		c.subs = make(map[target.SessionID]map[*Subscription]struct{})
		c.mu.Unlock()

		observability.CDPPending.Sub(float64(dropped))
		close(c.done)
		for _, sub := range subs {
			sub.shut(c.err)
		}

		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) closedErr() error {
	<-c.done
	return c.err
}
