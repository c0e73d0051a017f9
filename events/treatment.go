package events

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Treatment is the storage policy selected by an event's kind.
type Treatment int

const (
	Regular Treatment = iota
	Replaceable
	Ephemeral
	ParameterizedReplaceable
)

func (t Treatment) String() string {
	switch t {
	case Regular:
		return "regular"
	case Replaceable:
		return "replaceable"
	case Ephemeral:
		return "ephemeral"
	case ParameterizedReplaceable:
		return "parameterized_replaceable"
	}
	return fmt.Sprintf("Treatment(%d)", int(t))
}

// Stored reports whether events with this treatment are persisted.
func (t Treatment) Stored() bool {
	return t != Ephemeral
}

// Classify maps a kind to its treatment. Ranges are half-open:
// replaceable {0, 3} ∪ [10000, 20000), ephemeral [20000, 30000),
// parameterized replaceable [30000, 40000), everything else regular.
func Classify(kind int) Treatment {
	switch {
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000):
		return Replaceable
	case kind >= 30000 && kind < 40000:
		return ParameterizedReplaceable
	}
	return Regular
}

// DTagValue returns the value of the first "d" tag. A "d" tag without a value
// yields ("", true); an event without any "d" tag yields ("", false).
func DTagValue(evt *nostr.Event) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) > 0 && tag[0] == "d" {
			if len(tag) > 1 {
				return tag[1], true
			}
			return "", true
		}
	}
	return "", false
}

// ReplacementKey identifies the slot a replaceable event competes for:
// "<pubkey>:<kind>" or "<pubkey>:<kind>:<d>". Other treatments have no key.
func ReplacementKey(evt *nostr.Event) (string, bool) {
	switch Classify(evt.Kind) {
	case Replaceable:
		return fmt.Sprintf("%s:%d", evt.PubKey, evt.Kind), true
	case ParameterizedReplaceable:
		d, _ := DTagValue(evt)
		return fmt.Sprintf("%s:%d:%s", evt.PubKey, evt.Kind, d), true
	}
	return "", false
}
