package events

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrInvalidShape = errors.New("event validation failed")
	ErrIDMismatch   = errors.New("event id verification failed")
	ErrBadSignature = errors.New("signature verification failed")
)

// OK reasons reported back to the publisher.
const (
	ReasonInvalidShape = "invalid: event validation failed"
	ReasonIDMismatch   = "invalid: event id verification failed"
	ReasonBadSignature = "invalid: signature verification failed"
)

var (
	hex64Pattern  = regexp.MustCompile(`^[0-9a-f]{64}$`)
	hex128Pattern = regexp.MustCompile(`^[0-9a-f]{128}$`)
)

var requiredFields = []string{"id", "pubkey", "created_at", "kind", "tags", "content", "sig"}

// Result is the outcome of Verify. Reason is empty when OK is true.
type Result struct {
	OK     bool
	Reason string
}

// IsHex64 reports whether s is a lowercase 64 character hex string, the
// format of event ids and public keys.
func IsHex64(s string) bool {
	return hex64Pattern.MatchString(s)
}

// Decode parses a raw event object received from a client. Every required
// field must be present and non-null with the right JSON type; the fixed-width
// hex fields must be lowercase and of the exact length.
func Decode(raw json.RawMessage) (*nostr.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrInvalidShape
	}
	for _, name := range requiredFields {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, ErrInvalidShape
		}
	}

	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, ErrInvalidShape
	}
	if err := CheckShape(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// PeekID extracts the "id" member of a raw event without validating anything
// else, so rejections can still be correlated by the client.
func PeekID(raw json.RawMessage) string {
	var partial struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	id, _ := partial.ID.(string)
	return id
}

// CheckShape validates the fixed-width fields of an already decoded event.
func CheckShape(evt *nostr.Event) error {
	if !hex64Pattern.MatchString(evt.ID) ||
		!hex64Pattern.MatchString(evt.PubKey) ||
		!hex128Pattern.MatchString(evt.Sig) ||
		evt.Kind < 0 ||
		evt.Tags == nil {
		return ErrInvalidShape
	}
	return nil
}

// ComputeID returns the content address of the event: the lowercase hex
// SHA-256 of [0, pubkey, created_at, kind, tags, content] serialized without
// extraneous whitespace.
func ComputeID(evt *nostr.Event) string {
	c := *evt
	if c.Tags == nil {
		c.Tags = nostr.Tags{}
	}
	sum := sha256.Sum256(c.Serialize())
	return hex.EncodeToString(sum[:])
}

// VerifyID reports whether the event's id matches its recomputed address.
func VerifyID(evt *nostr.Event) bool {
	return ComputeID(evt) == evt.ID
}

// VerifySignature checks the BIP-340 signature over the 32-byte id using the
// x-only public key. Malformed input is reported as a failed verification.
func VerifySignature(evt *nostr.Event) bool {
	id, err := hex.DecodeString(evt.ID)
	if err != nil || len(id) != sha256.Size {
		return false
	}
	pkBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(id, pubKey)
}

// CheckIntegrity runs the id and signature checks, in that order.
func CheckIntegrity(evt *nostr.Event) error {
	if !VerifyID(evt) {
		return ErrIDMismatch
	}
	if !VerifySignature(evt) {
		return ErrBadSignature
	}
	return nil
}

// Verify runs the full shape, id and signature check on a decoded event.
func Verify(evt *nostr.Event) Result {
	if evt == nil {
		return Result{Reason: ReasonInvalidShape}
	}
	if err := CheckShape(evt); err != nil {
		return Result{Reason: Reason(err)}
	}
	if err := CheckIntegrity(evt); err != nil {
		return Result{Reason: Reason(err)}
	}
	return Result{OK: true}
}

// Reason maps a verification error to the OK reason string.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIDMismatch):
		return ReasonIDMismatch
	case errors.Is(err, ErrBadSignature):
		return ReasonBadSignature
	default:
		return ReasonInvalidShape
	}
}
