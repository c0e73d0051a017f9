// Package relay is the websocket transport: it upgrades connections, runs
// the accept pipeline for published events, answers subscriptions from
// storage and fans accepted events out to live subscribers.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/metrics"
	"github.com/tomyedwab/relay/protocol"
	"github.com/tomyedwab/relay/ratelimit"
	"github.com/tomyedwab/relay/subscriptions"
)

// OK reasons produced by the relay itself.
const (
	ReasonBlocked    = "blocked: pubkey not whitelisted"
	ReasonSaveFailed = "error: failed to save event"

	NoticeMalformed         = "invalid: malformed message"
	NoticeMalformedFilter   = "invalid: malformed filter"
	NoticeTooManyConnection = "rate limit exceeded: too many concurrent connections"
	NoticeShuttingDown      = "error: relay is shutting down"
)

type EventStore interface {
	Save(ctx context.Context, evt *nostr.Event, treatment events.Treatment) (bool, error)
	Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error)
}

type Authorizer interface {
	IsAuthorized(ctx context.Context, pubkey string) bool
}

type Limiter interface {
	TryConnect(source string) bool
	TryEvent(source string) bool
	Release(source string)
	Connections(source string) int
}

type Options struct {
	MaxMessageBytes int64
	SendQueueSize   int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 1 << 20,
		SendQueueSize:   256,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

type Relay struct {
	store    EventStore
	gate     Authorizer
	limiter  Limiter
	registry *subscriptions.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

func New(
	store EventStore,
	gate Authorizer,
	limiter Limiter,
	registry *subscriptions.Registry,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *Relay {
	def := DefaultOptions()
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = def.SendQueueSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:    store,
		gate:     gate,
		limiter:  limiter,
		registry: registry,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// Accept runs the publish pipeline: rate limit, shape, access, id,
// signature, classification and storage. It returns the OK reply and, when
// the event was accepted, the event to broadcast.
func (r *Relay) Accept(ctx context.Context, source string, raw json.RawMessage) (protocol.OKEnvelope, *nostr.Event) {
	if !r.limiter.TryEvent(source) {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultRateLimited).Inc()
		return protocol.OKEnvelope{EventID: events.PeekID(raw), Reason: ratelimit.Reason}, nil
	}

	evt, err := events.Decode(raw)
	if err != nil {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultInvalid).Inc()
		return protocol.OKEnvelope{EventID: events.PeekID(raw), Reason: events.ReasonInvalidShape}, nil
	}

	if !r.gate.IsAuthorized(ctx, evt.PubKey) {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultBlocked).Inc()
		r.logger.Debug("Blocked event from unlisted pubkey",
			zap.String("id", evt.ID),
			zap.String("pubkey", evt.PubKey))
		return protocol.OKEnvelope{EventID: evt.ID, Reason: ReasonBlocked}, nil
	}

	if err := events.CheckIntegrity(evt); err != nil {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultInvalid).Inc()
		return protocol.OKEnvelope{EventID: evt.ID, Reason: events.Reason(err)}, nil
	}

	treatment := events.Classify(evt.Kind)
	if !treatment.Stored() {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultEphemeral).Inc()
		return protocol.OKEnvelope{EventID: evt.ID, Accepted: true}, evt
	}

	saved, err := r.store.Save(ctx, evt, treatment)
	if err != nil {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultRejected).Inc()
		r.logger.Error("Failed to save event", zap.String("id", evt.ID), zap.Error(err))
		return protocol.OKEnvelope{EventID: evt.ID, Reason: ReasonSaveFailed}, nil
	}
	if !saved {
		r.metrics.EventsReceived.WithLabelValues(metrics.ResultRejected).Inc()
		r.logger.Debug("Event not stored",
			zap.String("id", evt.ID),
			zap.Stringer("treatment", treatment))
		return protocol.OKEnvelope{EventID: evt.ID, Reason: ReasonSaveFailed}, nil
	}

	r.metrics.EventsReceived.WithLabelValues(metrics.ResultAccepted).Inc()
	return protocol.OKEnvelope{EventID: evt.ID, Accepted: true}, evt
}

// Broadcast fans evt out to every matching subscription.
func (r *Relay) Broadcast(evt *nostr.Event) {
	res := r.registry.Broadcast(evt)
	r.metrics.BroadcastDeliveries.Add(float64(res.Delivered))
	r.metrics.BroadcastDropped.Add(float64(res.Dropped))
}

// QueryStored answers the stored-event part of a REQ. Storage failures are
// logged and yield no events.
func (r *Relay) QueryStored(ctx context.Context, filters []nostr.Filter) []*nostr.Event {
	start := time.Now()
	found, err := r.store.Query(ctx, filters)
	r.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("Failed to query events", zap.Error(err))
		return nil
	}
	return found
}

func (r *Relay) updateSubscriptionGauge() {
	_, subs := r.registry.Counts()
	r.metrics.SubscriptionsActive.Set(float64(subs))
}

// Counts returns the number of open connections and live subscriptions.
func (r *Relay) Counts() (conns, subs int) {
	return r.registry.Counts()
}

// Shutdown refuses new connections, closes every open one and waits for
// their goroutines to finish, or for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	open := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		open = append(open, c)
	}
	r.mu.Unlock()

	for _, c := range open {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track records c and reserves its two pump goroutines. It reports false
// once Shutdown has started.
func (r *Relay) track(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.conns[c.id] = c
	r.wg.Add(2)
	return true
}

func (r *Relay) untrack(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.id)
}
