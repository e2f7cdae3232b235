// Package websocket provides the in-process WebSocket broadcaster that fans
// binary-encoded wire.Event frames out to every browser subscriber connected
// to the /stream endpoint.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of already
//     wire-encoded frames. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the relay's
//     reducer goroutine.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Closing a client signals the associated WebSocket pump goroutine to
//     exit cleanly.
package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which wire-encoded frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans encoded wire.Event frames out to every currently
// connected WebSocket client. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the default
// of 64, enough to absorb a burst of coalesced batch frames between
// 48 ms flush windows before drops begin.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast delivers an already wire-encoded frame to every registered
// client using a non-blocking send. When a client's buffer is full the
// frame is dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Broadcast(frame []byte) {
	if b.closed.Load() {
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- frame:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping frame",
				slog.String("client_id", c.id),
			)
		}
		return true // continue ranging
	})
}

// Send delivers an already wire-encoded frame to a single client, used to
// push the initial KindSnapshot frame to a client that just connected
// without broadcasting it to everyone else.
func (b *Broadcaster) Send(id string, frame []byte) {
	v, ok := b.clients.Load(id)
	if !ok {
		return
	}
	c := v.(*Client)
	select {
	case c.send <- frame:
	default:
		c.Dropped.Add(1)
	}
}

// Close removes all registered clients, closes every client's channel, and
// releases internal resources. After Close returns, Broadcast and Send are
// no-ops and Register returns an already-closed Client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
