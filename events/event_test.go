package events_test

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/events/eventstest"
)

func TestComputeIDDeterministic(t *testing.T) {
	evt := &nostr.Event{
		PubKey:    "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		CreatedAt: 1,
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "",
	}
	id := events.ComputeID(evt)
	assert.Len(t, id, 64)
	assert.True(t, events.IsHex64(id))
	assert.Equal(t, id, events.ComputeID(evt), "id must be deterministic")
}

func TestComputeIDDoesNotMutate(t *testing.T) {
	evt := &nostr.Event{PubKey: "ab", Kind: 1}
	events.ComputeID(evt)
	assert.Nil(t, evt.Tags)
}

func TestVerifyAcceptsSignedEvent(t *testing.T) {
	kp := eventstest.NewKeypair(t)
	evt := kp.Event(t, 1, 1700000000, nostr.Tags{{"t", "go"}}, "hello")

	res := events.Verify(evt)
	assert.True(t, res.OK)
	assert.Empty(t, res.Reason)
}

func TestVerifyRejectsMutatedFields(t *testing.T) {
	kp := eventstest.NewKeypair(t)
	other := eventstest.NewKeypair(t)

	tests := []struct {
		name   string
		mutate func(e *nostr.Event)
		reason string
	}{
		{"content", func(e *nostr.Event) { e.Content = "changed" }, events.ReasonIDMismatch},
		{"created_at", func(e *nostr.Event) { e.CreatedAt++ }, events.ReasonIDMismatch},
		{"kind", func(e *nostr.Event) { e.Kind = 7 }, events.ReasonIDMismatch},
		{"tags", func(e *nostr.Event) { e.Tags = append(e.Tags, nostr.Tag{"p", "x"}) }, events.ReasonIDMismatch},
		{"pubkey", func(e *nostr.Event) { e.PubKey = other.PubKey }, events.ReasonIDMismatch},
		{"signature", func(e *nostr.Event) {
			b := []byte(e.Sig)
			if b[0] == 'a' {
				b[0] = 'b'
			} else {
				b[0] = 'a'
			}
			e.Sig = string(b)
		}, events.ReasonBadSignature},
		{"uppercase id", func(e *nostr.Event) { e.ID = "A" + e.ID[1:] }, events.ReasonInvalidShape},
		{"short sig", func(e *nostr.Event) { e.Sig = e.Sig[:126] }, events.ReasonInvalidShape},
		{"negative kind", func(e *nostr.Event) { e.Kind = -1 }, events.ReasonInvalidShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := kp.Event(t, 1, 1700000000, nostr.Tags{{"t", "go"}}, "hello")
			tt.mutate(evt)
			res := events.Verify(evt)
			assert.False(t, res.OK)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestVerifySignatureWithForeignKey(t *testing.T) {
	kp := eventstest.NewKeypair(t)
	other := eventstest.NewKeypair(t)
	evt := kp.Event(t, 1, 1700000000, nil, "hello")

	// Re-address the event to another key without re-signing.
	evt.PubKey = other.PubKey
	evt.ID = events.ComputeID(evt)

	assert.True(t, events.VerifyID(evt))
	assert.False(t, events.VerifySignature(evt))
	assert.ErrorIs(t, events.CheckIntegrity(evt), events.ErrBadSignature)
}

func TestDecode(t *testing.T) {
	kp := eventstest.NewKeypair(t)
	evt := kp.Event(t, 1, 1700000000, nostr.Tags{{"e", "abc"}}, "hi")
	valid, err := json.Marshal(evt)
	require.NoError(t, err)

	decoded, err := events.Decode(valid)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.True(t, events.Verify(decoded).OK)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(valid, &fields))

	for _, missing := range []string{"id", "pubkey", "created_at", "kind", "tags", "content", "sig"} {
		t.Run("missing "+missing, func(t *testing.T) {
			m := map[string]any{}
			for k, v := range fields {
				if k != missing {
					m[k] = v
				}
			}
			raw, err := json.Marshal(m)
			require.NoError(t, err)
			_, err = events.Decode(raw)
			assert.ErrorIs(t, err, events.ErrInvalidShape)
		})
	}

	t.Run("null tags", func(t *testing.T) {
		m := map[string]any{}
		for k, v := range fields {
			m[k] = v
		}
		m["tags"] = nil
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		_, err = events.Decode(raw)
		assert.ErrorIs(t, err, events.ErrInvalidShape)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := events.Decode(json.RawMessage(`[1,2,3]`))
		assert.ErrorIs(t, err, events.ErrInvalidShape)
	})
}

func TestPeekID(t *testing.T) {
	assert.Equal(t, "abc", events.PeekID(json.RawMessage(`{"id":"abc","kind":"x"}`)))
	assert.Equal(t, "", events.PeekID(json.RawMessage(`{"id":5}`)))
	assert.Equal(t, "", events.PeekID(json.RawMessage(`"nope"`)))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", events.Reason(nil))
	assert.Equal(t, events.ReasonIDMismatch, events.Reason(events.ErrIDMismatch))
	assert.Equal(t, events.ReasonBadSignature, events.Reason(events.ErrBadSignature))
	assert.Equal(t, events.ReasonInvalidShape, events.Reason(events.ErrInvalidShape))
}
