// Package protocol holds the wire messages exchanged over the websocket
// transport. Client messages are decoded once into a closed set of types;
// server messages are encoded from small envelope values.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

const (
	TypeEvent  = "EVENT"
	TypeReq    = "REQ"
	TypeClose  = "CLOSE"
	TypeOK     = "OK"
	TypeEOSE   = "EOSE"
	TypeNotice = "NOTICE"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrMalformedFilter = errors.New("malformed filter")
)

// UnknownTypeError is returned for a well-formed array whose tag is not a
// client message type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// ClientMessage is one of *EventMessage, *ReqMessage or *CloseMessage.
type ClientMessage interface {
	Type() string
	clientMessage()
}

// EventMessage carries the raw event object. Decoding and validation of the
// event itself belong to the accept pipeline so that rejections can still
// reference the claimed id.
type EventMessage struct {
	Event json.RawMessage
}

type ReqMessage struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

type CloseMessage struct {
	SubscriptionID string
}

func (*EventMessage) Type() string { return TypeEvent }
func (*ReqMessage) Type() string   { return TypeReq }
func (*CloseMessage) Type() string { return TypeClose }

func (*EventMessage) clientMessage() {}
func (*ReqMessage) clientMessage()   {}
func (*CloseMessage) clientMessage() {}

// ParseClientMessage decodes one inbound frame. The frame must be a JSON array
// of at least two elements whose first element is a string tag.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) < 2 {
		return nil, ErrMalformed
	}
	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return nil, ErrMalformed
	}

	switch tag {
	case TypeEvent:
		return &EventMessage{Event: arr[1]}, nil

	case TypeReq:
		subID, err := parseSubscriptionID(arr[1])
		if err != nil {
			return nil, err
		}
		filters := make([]nostr.Filter, 0, len(arr)-2)
		for _, raw := range arr[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFilter, err)
			}
			filters = append(filters, f)
		}
		return &ReqMessage{SubscriptionID: subID, Filters: filters}, nil

	case TypeClose:
		subID, err := parseSubscriptionID(arr[1])
		if err != nil {
			return nil, err
		}
		return &CloseMessage{SubscriptionID: subID}, nil
	}

	return nil, &UnknownTypeError{Type: tag}
}

func parseSubscriptionID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", ErrMalformed
	}
	return id, nil
}
