// Package transport hosts the WebSocket endpoint that adapts a raw
// socket into a room.Subscriber: admission, read/write pumps, and
// per-connection backpressure.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mdcollab/core/internal/authn"
	"github.com/mdcollab/core/internal/room"
	"github.com/mdcollab/core/internal/wire"
)

// outboundQueueSize bounds the per-connection outbound queue; Send on
// a full queue closes the connection at once. sendTimeout bounds each
// socket write and ping in the write pump.
const outboundQueueSize = 64

var sendTimeout = 30 * time.Second

// queueFullError is returned by Send when the outbound queue is full
// or the connection is already closed, and the connection should be
// treated as unresponsive.
type queueFullError struct{}

func (queueFullError) Error() string { return "transport: outbound queue full" }

// Connection adapts one WebSocket to room.Subscriber.
type Connection struct {
	ws         *websocket.Conn
	documentId string
	siteId     string
	identity   authn.Identity
	codec      *wire.Codec
	logger     *zap.Logger
	limiter    *rate.Limiter

	room *room.Room

	send      chan wire.ServerMessage
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps ws for documentId under siteId/identity.
func NewConnection(ws *websocket.Conn, documentId, siteId string, identity authn.Identity, codec *wire.Codec, logger *zap.Logger) *Connection {
	return &Connection{
		ws:         ws,
		documentId: documentId,
		siteId:     siteId,
		identity:   identity,
		codec:      codec,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		send:       make(chan wire.ServerMessage, outboundQueueSize),
		closed:     make(chan struct{}),
	}
}

// SiteId implements room.Subscriber.
func (c *Connection) SiteId() string { return c.siteId }

// UserId implements room.Subscriber.
func (c *Connection) UserId() *string {
	if c.identity.Outcome == authn.Authenticated {
		id := c.identity.User.Id
		return &id
	}
	return nil
}

// Username implements room.Subscriber.
func (c *Connection) Username() string {
	if c.identity.Outcome == authn.Authenticated {
		return c.identity.User.Name
	}
	return "guest"
}

// Send enqueues msg for the write pump. It never blocks: a full queue
// means the consumer is too slow and the connection is closed.
func (c *Connection) Send(msg wire.ServerMessage) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return queueFullError{}
	default:
		c.closeLocked()
		return queueFullError{}
	}
}

func (c *Connection) closeLocked() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// AttachRoom lets the handler record which room owns this connection,
// so the read pump can clean up via Unsubscribe on exit.
func (c *Connection) AttachRoom(r *room.Room) { c.room = r }

// WritePump drains the outbound queue to the socket until closed.
func (c *Connection) WritePump(ctx context.Context) {
	defer c.closeLocked()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			data, err := c.codec.Encode(msg)
			if err != nil {
				c.logger.Warn("encode failed", zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := c.ws.Ping(wctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ReadPump reads and dispatches client frames until the socket closes
// or a protocol-level read error occurs.
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		c.closeLocked()
		if c.room != nil {
			c.room.Unsubscribe(c)
		}
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			_ = c.Send(wire.ServerMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}
		c.handle(data)
	}
}

func (c *Connection) handle(data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		_ = c.Send(wire.ServerMessage{Type: "error", Message: err.Error()})
		return
	}

	switch msg.Type {
	case "ping":
		_ = c.Send(wire.ServerMessage{Type: "pong"})
	case "request_state":
		text, snap, err := c.room.CurrentSnapshot()
		if err != nil {
			_ = c.Send(wire.ServerMessage{Type: "error", Message: err.Error()})
			return
		}
		frame, err := c.codec.InitialStateFrame(c.documentId, snap, text)
		if err != nil {
			_ = c.Send(wire.ServerMessage{Type: "error", Message: err.Error()})
			return
		}
		_ = c.Send(frame)
	case "operation":
		if msg.Operation == nil {
			_ = c.Send(wire.ServerMessage{Type: "error", Message: "missing operation"})
			return
		}
		op := wire.DecodeOperation(*msg.Operation)
		op.Origin = c.siteId
		if c.room.Submit(c, op) == room.Reject {
			_ = c.Send(wire.ServerMessage{Type: "error", Message: "operation rejected"})
		}
	case "cursor":
		if msg.Cursor == nil {
			return
		}
		c.room.BroadcastPresence(c, wire.ServerMessage{
			Type:   "cursor",
			SiteId: c.siteId,
			UserId: c.UserId(),
			Cursor: &wire.ServerCursor{
				SiteId:         c.siteId,
				UserId:         c.UserId(),
				Username:       c.Username(),
				Position:       msg.Cursor.Position,
				SelectionStart: msg.Cursor.SelectionStart,
				SelectionEnd:   msg.Cursor.SelectionEnd,
			},
		})
	case "presence":
		c.room.BroadcastPresence(c, wire.ServerMessage{
			Type:     "presence",
			SiteId:   c.siteId,
			UserId:   c.UserId(),
			Presence: msg.Presence,
		})
	}
}

// Close closes the underlying socket with the given close code/reason.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	c.closeLocked()
	return c.ws.Close(code, reason)
}
