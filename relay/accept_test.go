package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/events/eventstest"
	"github.com/tomyedwab/relay/subscriptions"
)

type failingStore struct {
	saves int
}

func (s *failingStore) Save(context.Context, *nostr.Event, events.Treatment) (bool, error) {
	s.saves++
	return false, errors.New("disk full")
}

func (s *failingStore) Query(context.Context, []nostr.Filter) ([]*nostr.Event, error) {
	return nil, errors.New("disk full")
}

type allowAll struct{}

func (allowAll) IsAuthorized(context.Context, string) bool { return true }

type fixedLimiter struct {
	allowEvents bool
}

func (fixedLimiter) TryConnect(string) bool { return true }
func (l fixedLimiter) TryEvent(string) bool { return l.allowEvents }
func (fixedLimiter) Release(string)         {}
func (fixedLimiter) Connections(string) int { return 0 }

func newAcceptRelay(st EventStore, limiter Limiter) *Relay {
	return New(st, allowAll{}, limiter, subscriptions.NewRegistry(nil), nil, zap.NewNop(), Options{})
}

func rawEvent(t *testing.T, evt *nostr.Event) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestAcceptStoreFailure(t *testing.T) {
	st := &failingStore{}
	r := newAcceptRelay(st, fixedLimiter{allowEvents: true})
	kp := eventstest.NewKeypair(t)
	evt := kp.Event(t, 1, 1000, nil, "hi")

	ok, accepted := r.Accept(context.Background(), "1.2.3.4", rawEvent(t, evt))
	assert.False(t, ok.Accepted)
	assert.Equal(t, ReasonSaveFailed, ok.Reason)
	assert.Nil(t, accepted)
	assert.Equal(t, 1, st.saves)
}

func TestAcceptEphemeralSkipsStore(t *testing.T) {
	st := &failingStore{}
	r := newAcceptRelay(st, fixedLimiter{allowEvents: true})
	kp := eventstest.NewKeypair(t)
	evt := kp.Event(t, 25000, 1000, nil, "ping")

	ok, accepted := r.Accept(context.Background(), "1.2.3.4", rawEvent(t, evt))
	assert.True(t, ok.Accepted)
	require.NotNil(t, accepted)
	assert.Equal(t, evt.ID, accepted.ID)
	assert.Zero(t, st.saves)
}

func TestAcceptRateLimitedBeforeDecoding(t *testing.T) {
	st := &failingStore{}
	r := newAcceptRelay(st, fixedLimiter{allowEvents: false})

	ok, accepted := r.Accept(context.Background(), "1.2.3.4", json.RawMessage(`{"id":"xyz"}`))
	assert.False(t, ok.Accepted)
	assert.Equal(t, "xyz", ok.EventID)
	assert.Equal(t, "rate limit exceeded", ok.Reason)
	assert.Nil(t, accepted)
}

func TestQueryStoredSwallowsErrors(t *testing.T) {
	r := newAcceptRelay(&failingStore{}, fixedLimiter{allowEvents: true})
	assert.Empty(t, r.QueryStored(context.Background(), []nostr.Filter{{}}))
}
