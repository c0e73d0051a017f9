package httpauth

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tomyedwab/relay/events"
)

const DIDPrefix = "did:nostr:"

var ErrInvalidDID = errors.New("invalid did:nostr identifier")

// Profile is the subset of kind-0 metadata exposed in a DID document.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

type Document struct {
	ID          string   `json:"id"`
	Pubkey      string   `json:"pubkey"`
	Profile     *Profile `json:"profile,omitempty"`
	AlsoKnownAs []string `json:"alsoKnownAs,omitempty"`
	Relays      []string `json:"relays,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
}

func PubkeyToDID(pubkey string) string {
	return DIDPrefix + strings.ToLower(pubkey)
}

// ParsePubkeyOrDID accepts a bare 64-hex pubkey or a did:nostr URI, in any
// case, and returns the lowercase pubkey.
func ParsePubkeyOrDID(s string) (string, error) {
	pubkey := strings.ToLower(strings.TrimPrefix(s, DIDPrefix))
	if !events.IsHex64(pubkey) {
		return "", ErrInvalidDID
	}
	return pubkey, nil
}

// NewDocument builds the DID document for pubkey. When profile is a kind-0
// event its metadata is folded in.
func NewDocument(pubkey string, profile *nostr.Event, relays []string) *Document {
	doc := &Document{
		ID:     PubkeyToDID(pubkey),
		Pubkey: strings.ToLower(pubkey),
		Relays: relays,
	}
	if profile == nil || profile.Kind != 0 {
		return doc
	}
	var p Profile
	if err := json.Unmarshal([]byte(profile.Content), &p); err == nil && p != (Profile{}) {
		doc.Profile = &p
	}
	doc.AlsoKnownAs = ExtractAlsoKnownAs(profile.Content)
	doc.CreatedAt = int64(profile.CreatedAt)
	return doc
}

// ExtractAlsoKnownAs reads identity links from kind-0 content: an explicit
// alsoKnownAs array, or a website that looks like a WebID.
func ExtractAlsoKnownAs(content string) []string {
	var raw struct {
		AlsoKnownAs []any `json:"alsoKnownAs"`
		Website     any   `json:"website"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}
	if raw.AlsoKnownAs != nil {
		out := []string{}
		for _, v := range raw.AlsoKnownAs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if site, ok := raw.Website.(string); ok && (strings.Contains(site, "#") || strings.HasSuffix(site, "/profile")) {
		return []string{site}
	}
	return nil
}
