package protocol

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// OKEnvelope is ["OK", <event id>, <accepted>, <reason>].
type OKEnvelope struct {
	EventID  string
	Accepted bool
	Reason   string
}

func (e OKEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{TypeOK, e.EventID, e.Accepted, e.Reason})
}

// EventEnvelope is ["EVENT", <subscription id>, <event>].
type EventEnvelope struct {
	SubscriptionID string
	Event          *nostr.Event
}

func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{TypeEvent, e.SubscriptionID, e.Event})
}

// EOSEEnvelope is ["EOSE", <subscription id>].
type EOSEEnvelope struct {
	SubscriptionID string
}

func (e EOSEEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{TypeEOSE, e.SubscriptionID})
}

// NoticeEnvelope is ["NOTICE", <message>].
type NoticeEnvelope struct {
	Message string
}

func (e NoticeEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{TypeNotice, e.Message})
}

// Encode marshals an envelope. The envelopes only hold strings, booleans
// and events, so failure indicates a corrupt event and yields nil.
func Encode(v json.Marshaler) []byte {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil
	}
	return b
}
