// Package ratelimit bounds what a single source address may do: how many
// websocket connections it holds open and how many events it publishes per
// window, plus a token bucket for the HTTP endpoints.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Reason is reported to clients for every rate-limit rejection.
const Reason = "rate limit exceeded"

type Config struct {
	MaxConnections  int
	EventsPerWindow int
	Window          time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:  10,
		EventsPerWindow: 10,
		Window:          time.Second,
	}
}

type windowCounter struct {
	n int
}

// Limiter tracks open connections and publish windows per source. A window
// starts at the first publish from a source and its counter expires with it.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	conns   map[string]int
	windows *ttlcache.Cache[string, *windowCounter]
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.EventsPerWindow <= 0 {
		cfg.EventsPerWindow = def.EventsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	windows := ttlcache.New[string, *windowCounter](
		ttlcache.WithTTL[string, *windowCounter](cfg.Window),
		ttlcache.WithDisableTouchOnHit[string, *windowCounter](),
	)
	go windows.Start()
	return &Limiter{
		cfg:     cfg,
		conns:   make(map[string]int),
		windows: windows,
	}
}

// Stop ends the window expiry loop.
func (l *Limiter) Stop() {
	l.windows.Stop()
}

// TryConnect takes a connection slot for source, or reports false when the
// source already holds the maximum.
func (l *Limiter) TryConnect(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[source] >= l.cfg.MaxConnections {
		return false
	}
	l.conns[source]++
	return true
}

// Release returns a slot taken by TryConnect.
func (l *Limiter) Release(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[source] <= 1 {
		delete(l.conns, source)
		return
	}
	l.conns[source]--
}

// Connections returns the number of slots held by source.
func (l *Limiter) Connections(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[source]
}

// TryEvent counts one publish attempt against the source's current window.
func (l *Limiter) TryEvent(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.windows.Get(source)
	if item == nil {
		l.windows.Set(source, &windowCounter{n: 1}, ttlcache.DefaultTTL)
		return true
	}
	counter := item.Value()
	if counter.n >= l.cfg.EventsPerWindow {
		return false
	}
	counter.n++
	return true
}
