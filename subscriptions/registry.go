// Package subscriptions tracks live connections and their named filter
// groups, and fans accepted events out to every matching subscription.
package subscriptions

import (
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/protocol"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Sink is the outbound side of a connection. Send must not block; it
// returns false when the message was dropped.
type Sink interface {
	ID() string
	Send(msg []byte) bool
}

type connection struct {
	sink Sink
	subs map[string]events.FilterGroup
}

// BroadcastResult counts the outcome of one fan-out.
type BroadcastResult struct {
	Delivered int
	Dropped   int
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]*connection),
		logger: logger,
	}
}

// Register adds a connection with no subscriptions. Registering an id twice
// keeps the existing subscriptions and swaps in the new sink.
func (r *Registry) Register(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[sink.ID()]; ok {
		c.sink = sink
		return
	}
	r.conns[sink.ID()] = &connection{sink: sink, subs: make(map[string]events.FilterGroup)}
}

// Subscribe sets or replaces the filter group for (connID, subID).
func (r *Registry) Subscribe(connID, subID string, filters []nostr.Filter) error {
	group := make(events.FilterGroup, len(filters))
	copy(group, filters)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	c.subs[subID] = group
	return nil
}

// Unsubscribe removes one subscription. Unknown ids are a no-op.
func (r *Registry) Unsubscribe(connID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := c.subs[subID]; !ok {
		return false
	}
	delete(c.subs, subID)
	return true
}

// Remove drops a connection and all its subscriptions. It is safe to call
// more than once.
func (r *Registry) Remove(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0
	}
	delete(r.conns, connID)
	return len(c.subs)
}

// Counts returns the number of connections and subscriptions.
func (r *Registry) Counts() (conns, subs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		subs += len(c.subs)
	}
	return len(r.conns), subs
}

type delivery struct {
	sink  Sink
	subID string
}

// Broadcast sends evt to every subscription whose group matches. Matching
// happens under the read lock; sends happen after it is released.
func (r *Registry) Broadcast(evt *nostr.Event) BroadcastResult {
	var targets []delivery

	r.mu.RLock()
	for _, c := range r.conns {
		for subID, group := range c.subs {
			if group.Matches(evt) {
				targets = append(targets, delivery{sink: c.sink, subID: subID})
			}
		}
	}
	r.mu.RUnlock()

	var res BroadcastResult
	for _, d := range targets {
		msg := protocol.Encode(protocol.EventEnvelope{SubscriptionID: d.subID, Event: evt})
		if msg == nil {
			r.logger.Error("Failed to encode event for broadcast", zap.String("id", evt.ID))
			return res
		}
		if d.sink.Send(msg) {
			res.Delivered++
		} else {
			res.Dropped++
			r.logger.Debug("Dropped broadcast to slow connection",
				zap.String("conn", d.sink.ID()),
				zap.String("sub", d.subID))
		}
	}
	return res
}
