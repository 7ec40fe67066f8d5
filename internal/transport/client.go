package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/wire"
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	send chan wire.Envelope
	done chan struct{}
	once sync.Once
	seq  uint64 // write pump only

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	clientID    string
	unsubscribe func()

	dropped atomic.Uint64
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	ctx, cancel := context.WithCancel(h.ctx)
	id := newConnID()
	return &client{
		hub:      h,
		conn:     conn,
		log:      h.log.With().Str("conn", id).Logger(),
		send:     make(chan wire.Envelope, sendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		clientID: id,
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.mu.Lock()
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		c.mu.Unlock()
	})
}

// deliver is the engine sink for this client. It never blocks: output
// chunks are dropped when the client falls behind, and a client too slow to
// take a state change is disconnected so it resyncs from a fresh list.
func (c *client) deliver(ev model.Event) {
	env, err := wire.FromEvent(ev, 0)
	if err != nil {
		c.log.Debug().Err(err).Msg("render event")
		return
	}
	c.enqueue(env, ev.Type == model.EventOutput)
}

func (c *client) enqueue(env wire.Envelope, droppable bool) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	case <-c.done:
	default:
		if droppable {
			c.dropped.Add(1)
			return
		}
		c.log.Warn().Str("type", env.Type).Msg("client too slow; disconnecting")
		go c.shutdown()
	}
}

func (c *client) reply(requestID, msgType string, payload any) {
	env, err := wire.NewEnvelope(msgType, 0, requestID, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("build reply")
		return
	}
	c.enqueue(env, false)
}

func (c *client) ack(req wire.Envelope, payload wire.AckPayload) {
	payload.RequestType = req.Type
	c.reply(req.RequestID, wire.TypeAck, payload)
}

func (c *client) fail(req wire.Envelope, err error) {
	c.reply(req.RequestID, wire.TypeError, wire.ErrorFor(req.Type, err))
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-c.send:
			c.seq++
			env.Seq = c.seq
			data, err := wire.Encode(env)
			if err != nil {
				c.log.Error().Err(err).Str("type", env.Type).Msg("encode message")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write")
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.shutdown()
		c.hub.remove(c)
		if n := c.dropped.Load(); n > 0 {
			c.log.Info().Uint64("dropped_output", n).Msg("output chunks dropped for slow client")
		}
	}()
	c.conn.SetReadLimit(wire.DefaultMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := wire.Decode(data)
		if err != nil {
			c.fail(wire.Envelope{Type: "unknown"}, err)
			continue
		}
		if env.RequestID != "" && !c.hub.requests.firstSeen(c.requestKey(env.RequestID)) {
			c.ack(env, wire.AckPayload{Duplicate: true})
			continue
		}
		switch env.Type {
		case wire.TypeHello, wire.TypeInput, wire.TypeResize:
			// ordered with respect to later messages from this client
			c.handle(env)
		default:
			go c.handle(env)
		}
	}
}

func (c *client) requestKey(requestID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID + "/" + requestID
}

var errUnknownType = errors.New("unknown message type")
