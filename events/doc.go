// Package events holds the relay's view of a signed event: decoding and shape
// checks at the wire boundary, content-address and signature verification,
// the kind-based storage treatment, and the filter predicates shared by
// stored queries and live subscriptions.
package events
