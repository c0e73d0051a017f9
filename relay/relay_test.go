package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/access"
	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/events/eventstest"
	"github.com/tomyedwab/relay/metrics"
	"github.com/tomyedwab/relay/ratelimit"
	"github.com/tomyedwab/relay/store"
	"github.com/tomyedwab/relay/subscriptions"
)

type testRelay struct {
	relay   *Relay
	store   *store.Store
	limiter *ratelimit.Limiter
	url     string
}

type relayOption func(*ratelimit.Config, *[]string)

func withLimits(maxConns, events int) relayOption {
	return func(c *ratelimit.Config, _ *[]string) {
		c.MaxConnections = maxConns
		c.EventsPerWindow = events
		c.Window = time.Minute
	}
}

func withAllowed(keys ...string) relayOption {
	return func(_ *ratelimit.Config, allowed *[]string) {
		*allowed = append(*allowed, keys...)
	}
}

func setupRelay(t *testing.T, opts ...relayOption) *testRelay {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := ratelimit.Config{MaxConnections: 10, EventsPerWindow: 1000, Window: time.Minute}
	var allowed []string
	for _, opt := range opts {
		opt(&cfg, &allowed)
	}
	limiter := ratelimit.New(cfg)
	t.Cleanup(limiter.Stop)

	gate := access.NewGate(allowed, nil, st, logger)
	r := New(st, gate, limiter, subscriptions.NewRegistry(logger), metrics.New(nil), logger, DefaultOptions())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testRelay{
		relay:   r,
		store:   st,
		limiter: limiter,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (tr *testRelay) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) write(v ...any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// read returns the next message as its tag and remaining elements.
func (c *client) read() (string, []json.RawMessage) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)

	var arr []json.RawMessage
	require.NoError(c.t, json.Unmarshal(data, &arr))
	require.NotEmpty(c.t, arr)
	var tag string
	require.NoError(c.t, json.Unmarshal(arr[0], &tag))
	return tag, arr[1:]
}

type okReply struct {
	ID       string
	Accepted bool
	Reason   string
}

func (c *client) publish(evt *nostr.Event) okReply {
	c.t.Helper()
	c.write("EVENT", evt)
	tag, rest := c.read()
	require.Equal(c.t, "OK", tag)
	require.Len(c.t, rest, 3)

	var ok okReply
	require.NoError(c.t, json.Unmarshal(rest[0], &ok.ID))
	require.NoError(c.t, json.Unmarshal(rest[1], &ok.Accepted))
	require.NoError(c.t, json.Unmarshal(rest[2], &ok.Reason))
	return ok
}

// collect sends a REQ and returns the stored events delivered before EOSE.
func (c *client) collect(subID string, filters ...nostr.Filter) []*nostr.Event {
	c.t.Helper()
	args := []any{"REQ", subID}
	for _, f := range filters {
		args = append(args, f)
	}
	c.write(args...)

	var out []*nostr.Event
	for {
		tag, rest := c.read()
		switch tag {
		case "EVENT":
			var evt nostr.Event
			require.NoError(c.t, json.Unmarshal(rest[1], &evt))
			out = append(out, &evt)
		case "EOSE":
			var id string
			require.NoError(c.t, json.Unmarshal(rest[0], &id))
			require.Equal(c.t, subID, id)
			return out
		default:
			c.t.Fatalf("unexpected %s before EOSE", tag)
		}
	}
}

// sync round-trips a REQ that matches nothing, so every message the relay
// queued for this connection before it has been read.
func (c *client) sync() {
	c.t.Helper()
	none := nostr.Filter{IDs: []string{strings.Repeat("0", 64)}}
	require.Empty(c.t, c.collect("sync", none))
}

func (c *client) expectNotice(message string) {
	c.t.Helper()
	tag, rest := c.read()
	require.Equal(c.t, "NOTICE", tag)
	var got string
	require.NoError(c.t, json.Unmarshal(rest[0], &got))
	assert.Equal(c.t, message, got)
}

func TestPublishAndQuery(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	evt := kp.Event(t, 1, 1700000000, nostr.Tags{{"t", "go"}}, "hello")
	ok := c.publish(evt)
	assert.True(t, ok.Accepted)
	assert.Equal(t, evt.ID, ok.ID)
	assert.Empty(t, ok.Reason)

	found := c.collect("s1", nostr.Filter{Authors: []string{kp.PubKey}})
	require.Len(t, found, 1)
	assert.Equal(t, evt.ID, found[0].ID)
}

func TestPublishBlockedPubkey(t *testing.T) {
	allowed := eventstest.NewKeypair(t)
	tr := setupRelay(t, withAllowed(allowed.PubKey))
	c := tr.dial(t)

	stranger := eventstest.NewKeypair(t)
	ok := c.publish(stranger.Event(t, 1, 1700000000, nil, "hi"))
	assert.False(t, ok.Accepted)
	assert.Equal(t, ReasonBlocked, ok.Reason)

	ok = c.publish(allowed.Event(t, 1, 1700000000, nil, "hi"))
	assert.True(t, ok.Accepted)
}

func TestPublishInvalidEvents(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	tampered := kp.Event(t, 1, 1700000000, nil, "hello")
	tampered.Content = "goodbye"
	ok := c.publish(tampered)
	assert.False(t, ok.Accepted)
	assert.Equal(t, tampered.ID, ok.ID)
	assert.Equal(t, events.ReasonIDMismatch, ok.Reason)

	c.write("EVENT", map[string]any{"id": "abc", "kind": 1})
	tag, rest := c.read()
	require.Equal(t, "OK", tag)
	assert.JSONEq(t, `"abc"`, string(rest[0]))
	assert.JSONEq(t, `false`, string(rest[1]))
	assert.JSONEq(t, `"`+events.ReasonInvalidShape+`"`, string(rest[2]))
}

func TestReplaceableOlderIsRejected(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	newer := kp.Event(t, 0, 100, nil, `{"name":"new"}`)
	older := kp.Event(t, 0, 50, nil, `{"name":"old"}`)

	assert.True(t, c.publish(newer).Accepted)
	ok := c.publish(older)
	assert.False(t, ok.Accepted)
	assert.Equal(t, ReasonSaveFailed, ok.Reason)

	found := c.collect("profile", nostr.Filter{Authors: []string{kp.PubKey}, Kinds: []int{0}})
	require.Len(t, found, 1)
	assert.Equal(t, newer.ID, found[0].ID)
}

func TestDuplicateRegularEvent(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	evt := kp.Event(t, 1, 1700000000, nil, "once")
	assert.True(t, c.publish(evt).Accepted)
	ok := c.publish(evt)
	assert.False(t, ok.Accepted)
	assert.Equal(t, ReasonSaveFailed, ok.Reason)
}

func TestReqLimit(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	var published []*nostr.Event
	for i := 0; i < 5; i++ {
		evt := kp.Event(t, 1, int64(1000+i), nil, "note")
		require.True(t, c.publish(evt).Accepted)
		published = append(published, evt)
	}

	found := c.collect("latest", nostr.Filter{Kinds: []int{1}, Limit: 2})
	require.Len(t, found, 2)
	assert.Equal(t, published[4].ID, found[0].ID)
	assert.Equal(t, published[3].ID, found[1].ID)
}

func TestLiveDeliveryAndClose(t *testing.T) {
	tr := setupRelay(t)
	sub := tr.dial(t)
	pub := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	require.Empty(t, sub.collect("live", nostr.Filter{Kinds: []int{1}}))

	first := kp.Event(t, 1, 1000, nil, "first")
	require.True(t, pub.publish(first).Accepted)

	tag, rest := sub.read()
	require.Equal(t, "EVENT", tag)
	assert.JSONEq(t, `"live"`, string(rest[0]))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(rest[1], &got))
	assert.Equal(t, first.ID, got.ID)

	sub.write("CLOSE", "live")
	sub.sync()

	second := kp.Event(t, 1, 1001, nil, "second")
	require.True(t, pub.publish(second).Accepted)
	pub.sync()

	// Anything broadcast for "live" would arrive before this EOSE.
	sub.sync()
}

func TestReqReplacesSubscription(t *testing.T) {
	tr := setupRelay(t)
	sub := tr.dial(t)
	pub := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	require.Empty(t, sub.collect("feed", nostr.Filter{Kinds: []int{1}}))
	require.Empty(t, sub.collect("feed", nostr.Filter{Kinds: []int{7}}))

	require.True(t, pub.publish(kp.Event(t, 1, 1000, nil, "note")).Accepted)
	pub.sync()
	sub.sync()

	reaction := kp.Event(t, 7, 1001, nil, "+")
	require.True(t, pub.publish(reaction).Accepted)
	tag, rest := sub.read()
	require.Equal(t, "EVENT", tag)
	var got nostr.Event
	require.NoError(t, json.Unmarshal(rest[1], &got))
	assert.Equal(t, reaction.ID, got.ID)
}

func TestEphemeralIsBroadcastButNotStored(t *testing.T) {
	tr := setupRelay(t)
	sub := tr.dial(t)
	pub := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	filter := nostr.Filter{Kinds: []int{20001}}
	require.Empty(t, sub.collect("eph", filter))

	evt := kp.Event(t, 20001, 1000, nil, "typing")
	ok := pub.publish(evt)
	assert.True(t, ok.Accepted)

	tag, _ := sub.read()
	assert.Equal(t, "EVENT", tag)

	assert.Empty(t, pub.collect("after", filter))
}

func TestEventRateLimit(t *testing.T) {
	tr := setupRelay(t, withLimits(10, 2))
	c := tr.dial(t)
	kp := eventstest.NewKeypair(t)

	assert.True(t, c.publish(kp.Event(t, 1, 1, nil, "a")).Accepted)
	assert.True(t, c.publish(kp.Event(t, 1, 2, nil, "b")).Accepted)

	limited := kp.Event(t, 1, 3, nil, "c")
	ok := c.publish(limited)
	assert.False(t, ok.Accepted)
	assert.Equal(t, limited.ID, ok.ID)
	assert.Equal(t, ratelimit.Reason, ok.Reason)
}

func TestConnectionCeiling(t *testing.T) {
	tr := setupRelay(t, withLimits(1, 1000))
	first := tr.dial(t)
	first.sync()

	second := tr.dial(t)
	second.expectNotice(NoticeTooManyConnection)

	require.NoError(t, second.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := second.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	// The rejected attempt must not consume the slot of the open connection.
	first.sync()
}

func TestConnectionSlotReleasedOnClose(t *testing.T) {
	tr := setupRelay(t, withLimits(1, 1000))
	first := tr.dial(t)
	first.sync()
	require.NoError(t, first.ws.Close())

	require.Eventually(t, func() bool {
		conns, _ := tr.relay.Counts()
		return conns == 0
	}, 5*time.Second, 10*time.Millisecond)

	second := tr.dial(t)
	second.sync()
}

func TestMalformedMessages(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.expectNotice(NoticeMalformed)

	c.write("REQ")
	c.expectNotice(NoticeMalformed)

	c.write("AUTH", "challenge")
	c.expectNotice("unknown message type: AUTH")

	c.write("REQ", "bad", "not a filter")
	c.expectNotice(NoticeMalformedFilter)

	// The connection stays usable.
	c.sync()
}

func TestShutdownClosesConnections(t *testing.T) {
	tr := setupRelay(t)
	c := tr.dial(t)
	c.sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.relay.Shutdown(ctx))

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	conns, subs := tr.relay.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, subs)
}

func TestConnectionsRefusedAfterShutdown(t *testing.T) {
	tr := setupRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.relay.Shutdown(ctx))

	late := tr.dial(t)
	late.expectNotice(NoticeShuttingDown)

	require.NoError(t, late.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := late.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	conns, _ := tr.relay.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, tr.limiter.Connections("127.0.0.1"))
	require.NoError(t, tr.relay.Shutdown(ctx), "a second shutdown has nothing to wait for")
}
