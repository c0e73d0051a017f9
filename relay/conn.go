package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/protocol"
)

// Conn is one websocket client. Replies to the client's own messages are
// queued with backpressure; broadcasts from other connections are dropped
// when the queue is full.
type Conn struct {
	id     string
	source string
	ws     *websocket.Conn
	relay  *Relay
	logger *zap.Logger

	send chan []byte
	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	source := httputils.ClientIP(req)

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("Websocket upgrade failed", zap.String("source", source), zap.Error(err))
		return
	}

	if !r.limiter.TryConnect(source) {
		r.metrics.ConnectionsRejected.Inc()
		r.logger.Info("Connection ceiling reached",
			zap.String("source", source),
			zap.Int("held", r.limiter.Connections(source)))
		r.refuse(ws, NoticeTooManyConnection, websocket.ClosePolicyViolation, "too many connections")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.NewString(),
		source: source,
		ws:     ws,
		relay:  r,
		send:   make(chan []byte, r.opts.SendQueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = r.logger.With(zap.String("conn", c.id), zap.String("source", source))

	r.registry.Register(c)
	r.metrics.ConnectionsActive.Inc()
	if !r.track(c) {
		r.registry.Remove(c.id)
		r.metrics.ConnectionsActive.Dec()
		r.limiter.Release(source)
		cancel()
		r.refuse(ws, NoticeShuttingDown, websocket.CloseGoingAway, "relay shutting down")
		return
	}
	c.logger.Debug("Connection opened", zap.Int("sourceConnections", r.limiter.Connections(source)))

	go c.writePump()
	go c.readPump()
}

// refuse tells a client why it is being turned away and closes the socket.
func (r *Relay) refuse(ws *websocket.Conn, notice string, code int, text string) {
	deadline := time.Now().Add(r.opts.WriteWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage,
		protocol.Encode(protocol.NoticeEnvelope{Message: notice}))
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.Close()
}

func (c *Conn) ID() string { return c.id }

// Send queues msg without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// reply queues msg, waiting for room until the connection closes.
func (c *Conn) reply(msg []byte) bool {
	if msg == nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) notice(message string) {
	c.reply(protocol.Encode(protocol.NoticeEnvelope{Message: message}))
}

// closeWith tears the connection down once: it leaves the registry,
// returns the connection slot and sends a close frame.
func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		subs := c.relay.registry.Remove(c.id)
		c.relay.limiter.Release(c.source)
		c.relay.untrack(c)
		c.relay.metrics.ConnectionsActive.Dec()
		c.relay.updateSubscriptionGauge()

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(c.relay.opts.WriteWait))
		_ = c.ws.Close()
		c.logger.Debug("Connection closed", zap.Int("subscriptions", subs))
	})
}

func (c *Conn) readPump() {
	defer c.relay.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic in read loop", zap.Any("panic", r))
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
			return
		}
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	pongWait := c.relay.opts.PongWait
	c.ws.SetReadLimit(c.relay.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *Conn) writePump() {
	defer c.relay.wg.Done()
	ticker := time.NewTicker(c.relay.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.relay.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.relay.opts.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *Conn) handle(data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		c.relay.metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		var unknown *protocol.UnknownTypeError
		switch {
		case errors.As(err, &unknown):
			c.notice(unknown.Error())
		case errors.Is(err, protocol.ErrMalformedFilter):
			c.notice(NoticeMalformedFilter)
		default:
			c.notice(NoticeMalformed)
		}
		return
	}
	c.relay.metrics.MessagesReceived.WithLabelValues(msg.Type()).Inc()

	switch m := msg.(type) {
	case *protocol.EventMessage:
		ok, evt := c.relay.Accept(c.ctx, c.source, m.Event)
		c.reply(protocol.Encode(ok))
		if evt != nil {
			c.relay.Broadcast(evt)
		}

	case *protocol.ReqMessage:
		if err := c.relay.registry.Subscribe(c.id, m.SubscriptionID, m.Filters); err != nil {
			return
		}
		c.relay.updateSubscriptionGauge()
		for _, evt := range c.relay.QueryStored(c.ctx, m.Filters) {
			if !c.reply(protocol.Encode(protocol.EventEnvelope{SubscriptionID: m.SubscriptionID, Event: evt})) {
				return
			}
		}
		c.reply(protocol.Encode(protocol.EOSEEnvelope{SubscriptionID: m.SubscriptionID}))

	case *protocol.CloseMessage:
		c.relay.registry.Unsubscribe(c.id, m.SubscriptionID)
		c.relay.updateSubscriptionGauge()
	}
}
