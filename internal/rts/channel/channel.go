// Package channel wraps a single websocket connection in the framed
// message-channel abstraction the rest of the server talks to.
//
// Every frame on the wire is one JSON object {"event": <string>, "data":
// <string>} where data carries the event-specific payload as an inner JSON
// document. The channel treats data opaquely: decoding the inner payload is
// the handlers' business.
//
// Concurrency contract: exactly one consumer calls Read; any number of
// producers may call Write concurrently. Writes funnel through a single
// writer goroutine so two concurrent Writes always emit two complete frames.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

const (
	// writeWait bounds a single frame write on a congested socket.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the read side
	// gives up. Any inbound traffic (frames or pong control messages)
	// re-arms it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so the peer always has a
	// ping to answer before the deadline hits.
	pingPeriod = 54 * time.Second

	outboundQueueSize = 100
)

// Channel is one live peer connection: an accepted operator or endpoint
// socket on the server, or the dialed server socket on an endpoint.
type Channel struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	acceptedAt time.Time
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbound chan wire.Message

	// Identity bound by the auth handler. Zero values mean unauthenticated.
	mu         sync.RWMutex
	clientType int
	operatorID int
	uniqueID   string
	authed     bool

	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Operator consoles connect from a separately hosted web UI, so the
	// browser origin varies; authentication is the auth handler's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request and wraps the connection. The
// upgrader has already written the HTTP error response when this fails.
func Accept(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.NewTransport("channel.accept", err)
	}
	return New(ws), nil
}

// Dial connects to a coordinator's websocket URL and wraps the client side.
func Dial(ctx context.Context, url string) (*Channel, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.NewTransport("channel.dial", err)
	}
	return New(ws), nil
}

// New wraps an established websocket connection. The write loop starts
// immediately; the caller owns the read side via Read.
func New(ws *websocket.Conn) *Channel {
	u := uuid.New()
	id := fmt.Sprintf("%x", u[:])

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:         id,
		ws:         ws,
		remoteAddr: ws.RemoteAddr().String(),
		acceptedAt: time.Now(),
		log:        logger.WithChannel(logger.Logger(), id, ws.RemoteAddr().String()),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan wire.Message, outboundQueueSize),
	}

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.startWriteLoop()
	return c
}

// ID returns the session identifier, stable for the life of the channel.
func (c *Channel) ID() string { return c.id }

// RemoteAddr returns the peer address captured at accept time.
func (c *Channel) RemoteAddr() string { return c.remoteAddr }

// Log returns the channel-scoped logger.
func (c *Channel) Log() *slog.Logger { return c.log }

// Done is closed once the channel starts tearing down.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Read blocks until one frame arrives and returns it decoded into the outer
// envelope. A closed transport surfaces as a transport error; an envelope
// that is not valid JSON surfaces as a decode error. Both end the session.
func (c *Channel) Read() (wire.Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Message{}, errors.NewTransport("channel.read", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	if mt != websocket.TextMessage {
		return wire.Message{}, errors.NewDecode("channel.read", fmt.Errorf("unexpected frame type %d", mt))
	}
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return wire.Message{}, errors.NewDecode("channel.read", err)
	}
	return msg, nil
}

// Write serializes payload and queues one frame. A string payload is taken
// verbatim as the inner document (the protocol's empty-payload events send
// ""); anything else is JSON-encoded. Safe for concurrent use.
func (c *Channel) Write(event string, payload any) error {
	var data string
	switch p := payload.(type) {
	case nil:
		data = ""
	case string:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return errors.NewDecode("channel.write", err)
		}
		data = string(b)
	}
	return c.send(wire.Message{Event: event, Data: data})
}

// send enqueues a frame for the write loop. It enforces a small timeout to
// provide backpressure behavior instead of blocking a handler forever.
func (c *Channel) send(msg wire.Message) error {
	if c == nil || c.outbound == nil {
		return errors.NewTransport("channel.send", fmt.Errorf("channel not initialized"))
	}
	deadline := time.NewTimer(200 * time.Millisecond)
	defer deadline.Stop()
	select {
	case <-c.ctx.Done():
		return errors.NewTransport("channel.send", context.Canceled)
	case c.outbound <- msg:
		return nil
	case <-deadline.C:
		return errors.NewTransport("channel.send", fmt.Errorf("send queue full (len=%d)", len(c.outbound)))
	}
}

// startWriteLoop owns all writes to the socket: queued frames plus the
// keepalive pings that hold the peer's read deadline open.
func (c *Channel) startWriteLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg := <-c.outbound:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(&msg); err != nil {
					c.log.Debug("write loop stopped", "error", err)
					c.cancel()
					return
				}
			case <-ticker.C:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.log.Debug("keepalive ping failed", "error", err)
					c.cancel()
					return
				}
			}
		}
	}()
}

// Close tears the channel down. Idempotent; subsequent Reads fail with a
// transport error once the socket is gone.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
		c.wg.Wait()
	})
	return nil
}

// BindOperator records the authenticated operator identity.
func (c *Channel) BindOperator(operatorID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientType = wire.ClientOperator
	c.operatorID = operatorID
	c.authed = true
}

// BindEndpoint records the endpoint identity. Pending endpoints are bound
// without being marked authenticated; MarkAuthenticated flips that later.
func (c *Channel) BindEndpoint(uniqueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientType = wire.ClientEndpoint
	c.uniqueID = uniqueID
}

// MarkAuthenticated flags the channel as fully authenticated.
func (c *Channel) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
}

// ClientType returns 0 until an identity is bound.
func (c *Channel) ClientType() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientType
}

// OperatorID returns the bound operator id, 0 when none.
func (c *Channel) OperatorID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operatorID
}

// UniqueID returns the bound endpoint unique id, empty when none.
func (c *Channel) UniqueID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uniqueID
}

// Authenticated reports whether the peer completed authentication.
func (c *Channel) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}
