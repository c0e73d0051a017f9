// Package eventstest provides signing keys and signed events for tests.
package eventstest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/tomyedwab/relay/events"
)

// Keypair is a secp256k1 key with its x-only public key in hex.
type Keypair struct {
	Priv   *btcec.PrivateKey
	PubKey string
}

// NewKeypair generates a fresh random key.
func NewKeypair(t testing.TB) Keypair {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return Keypair{
		Priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// Sign fills in pubkey, id and sig.
func (k Keypair) Sign(t testing.TB, evt *nostr.Event) {
	t.Helper()
	evt.PubKey = k.PubKey
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	evt.ID = events.ComputeID(evt)
	id, err := hex.DecodeString(evt.ID)
	if err != nil {
		t.Fatalf("failed to decode id: %v", err)
	}
	sig, err := schnorr.Sign(k.Priv, id)
	if err != nil {
		t.Fatalf("failed to sign event: %v", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
}

// Event returns a signed event.
func (k Keypair) Event(t testing.TB, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	k.Sign(t, evt)
	return evt
}

// HTTPAuth returns an Authorization header value for a NIP-98 request to
// method and url, signed now.
func (k Keypair) HTTPAuth(t testing.TB, method, url string) string {
	t.Helper()
	evt := k.Event(t, 27235, time.Now().Unix(), nostr.Tags{{"u", url}, {"method", method}}, "")
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("failed to encode auth event: %v", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw)
}
