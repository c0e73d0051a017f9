// Package httpauth authenticates plain HTTP requests that carry a signed
// event as a bearer credential (NIP-98), and maps signers to did:nostr
// identifiers.
package httpauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tomyedwab/relay/events"
)

const (
	// AuthKind is the event kind of an HTTP auth token.
	AuthKind = 27235

	DefaultTolerance = 60 * time.Second
	MaxTokenSize     = 64 * 1024
	DefaultMaxBody   = 1 << 20
)

var (
	ErrMalformedToken  = errors.New("invalid token format: could not decode base64 JSON")
	ErrWrongKind       = fmt.Errorf("invalid event kind: expected %d", AuthKind)
	ErrExpired         = errors.New("event timestamp outside acceptable window")
	ErrMissingURL      = errors.New("missing URL tag in event")
	ErrURLMismatch     = errors.New("URL mismatch")
	ErrMissingMethod   = errors.New("missing method tag in event")
	ErrMethodMismatch  = errors.New("method mismatch")
	ErrPayloadMismatch = errors.New("payload hash mismatch")
	ErrBadPubkey       = errors.New("invalid or missing pubkey")
	ErrIDMismatch      = errors.New("event id does not match its content")
	ErrBadSignature    = errors.New("invalid Schnorr signature")
	ErrBodyTooLarge    = errors.New("request body too large")
)

// Identity is an authenticated signer.
type Identity struct {
	Pubkey string `json:"pubkey"`
	DID    string `json:"did"`
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

type Verifier struct {
	now       func() time.Time
	tolerance time.Duration
	maxBody   int64
}

func NewVerifier() *Verifier {
	return &Verifier{
		now:       time.Now,
		tolerance: DefaultTolerance,
		maxBody:   DefaultMaxBody,
	}
}

// ExtractToken pulls the token out of an Authorization header value, from
// either "Nostr <token>" or "Basic base64(nostr:<token>)". It returns false
// when the header uses no recognized scheme.
func ExtractToken(header string) (string, bool) {
	if rest, ok := strings.CutPrefix(header, "Nostr "); ok {
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutPrefix(header, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return "", false
		}
		if token, ok := strings.CutPrefix(string(decoded), "nostr:"); ok {
			return token, true
		}
	}
	return "", false
}

// Verify authenticates r. It returns (nil, nil) when the request carries no
// recognized Nostr authorization so callers can fall through to anonymous
// handling. The request body is read for the payload check and restored.
func (v *Verifier) Verify(r *http.Request) (*Identity, error) {
	token, ok := ExtractToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, nil
	}

	evt, err := decodeToken(token)
	if err != nil {
		return nil, err
	}

	if evt.Kind != AuthKind {
		return nil, fmt.Errorf("%w, got %d", ErrWrongKind, evt.Kind)
	}

	skew := v.now().Sub(evt.CreatedAt.Time())
	if skew < 0 {
		skew = -skew
	}
	if evt.CreatedAt == 0 || skew > v.tolerance {
		return nil, ErrExpired
	}

	u, ok := tagValue(evt, "u")
	if !ok || u == "" {
		return nil, ErrMissingURL
	}
	requestURL := RequestURL(r)
	if !URLMatches(u, requestURL) {
		return nil, fmt.Errorf("%w: event URL %q does not match request URL %q", ErrURLMismatch, u, requestURL)
	}

	method, ok := tagValue(evt, "method")
	if !ok || method == "" {
		return nil, ErrMissingMethod
	}
	if method != "*" && !strings.EqualFold(method, r.Method) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMethodMismatch, r.Method, method)
	}

	if payload, ok := tagValue(evt, "payload"); ok && payload != "" {
		body, err := v.readBody(r)
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			sum := sha256.Sum256(body)
			if !strings.EqualFold(payload, hex.EncodeToString(sum[:])) {
				return nil, ErrPayloadMismatch
			}
		}
	}

	if !events.IsHex64(evt.PubKey) {
		return nil, ErrBadPubkey
	}

	computed := events.ComputeID(evt)
	if evt.ID == "" {
		evt.ID = computed
	} else if evt.ID != computed {
		return nil, ErrIDMismatch
	}

	if !events.VerifySignature(evt) {
		return nil, ErrBadSignature
	}

	return &Identity{Pubkey: evt.PubKey, DID: PubkeyToDID(evt.PubKey)}, nil
}

func decodeToken(token string) (*nostr.Event, error) {
	if len(token) > MaxTokenSize {
		return nil, ErrMalformedToken
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(token)
		if err != nil {
			return nil, ErrMalformedToken
		}
	}
	if len(raw) > MaxTokenSize {
		return nil, ErrMalformedToken
	}
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, ErrMalformedToken
	}
	return &evt, nil
}

func (v *Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > v.maxBody {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// tagValue returns the second element of the first tag named name.
func tagValue(evt *nostr.Event, name string) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// RequestURL rebuilds the absolute URL the client addressed.
func RequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// URLMatches compares a token's u tag with the request URL: exact match
// after dropping one trailing slash, then with the query string removed from
// both sides, then a path prefix match of "<u>/".
func URLMatches(tokenURL, requestURL string) bool {
	want := strings.TrimSuffix(tokenURL, "/")
	got := strings.TrimSuffix(requestURL, "/")
	if want == got {
		return true
	}
	wantNoQuery := strings.TrimSuffix(stripQuery(tokenURL), "/")
	gotNoQuery := strings.TrimSuffix(stripQuery(requestURL), "/")
	if wantNoQuery == gotNoQuery {
		return true
	}
	return strings.HasPrefix(gotNoQuery, want+"/")
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
