package events

import (
	"regexp"
	"slices"
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

var tagNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FilterGroup is the filter list of one REQ. An event matches the group when
// it matches at least one filter in it.
type FilterGroup []nostr.Filter

// Matches evaluates the group with short-circuit OR. Filters that fail
// ValidFilter never match.
func (g FilterGroup) Matches(evt *nostr.Event) bool {
	for _, f := range g {
		if ValidFilter(f) && MatchFilter(f, evt) {
			return true
		}
	}
	return false
}

// ValidTagName reports whether a "#<name>" filter key may be used.
func ValidTagName(name string) bool {
	return tagNamePattern.MatchString(name)
}

// ValidFilter rejects filters carrying a tag key outside [A-Za-z0-9_-]+.
func ValidFilter(f nostr.Filter) bool {
	for name := range f.Tags {
		if !ValidTagName(name) {
			return false
		}
	}
	return true
}

// TagValues drops the empty strings from a tag filter's value set. An empty
// result places no restriction on the event.
func TagValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SortedTagNames returns the filter's tag keys in a stable order.
func SortedTagNames(f nostr.Filter) []string {
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MatchFilter applies every present predicate of f to evt (logical AND).
func MatchFilter(f nostr.Filter, evt *nostr.Event) bool {
	return matchIDs(f, evt) &&
		matchAuthors(f, evt) &&
		matchKinds(f, evt) &&
		matchSince(f, evt) &&
		matchUntil(f, evt) &&
		matchTags(f, evt)
}

func matchIDs(f nostr.Filter, evt *nostr.Event) bool {
	return len(f.IDs) == 0 || slices.Contains(f.IDs, evt.ID)
}

func matchAuthors(f nostr.Filter, evt *nostr.Event) bool {
	return len(f.Authors) == 0 || slices.Contains(f.Authors, evt.PubKey)
}

func matchKinds(f nostr.Filter, evt *nostr.Event) bool {
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, evt.Kind)
}

func matchSince(f nostr.Filter, evt *nostr.Event) bool {
	return f.Since == nil || evt.CreatedAt >= *f.Since
}

func matchUntil(f nostr.Filter, evt *nostr.Event) bool {
	return f.Until == nil || evt.CreatedAt <= *f.Until
}

func matchTags(f nostr.Filter, evt *nostr.Event) bool {
	for name, values := range f.Tags {
		wanted := TagValues(values)
		if len(wanted) == 0 {
			continue
		}
		if !hasTagValue(evt, name, wanted) {
			return false
		}
	}
	return true
}

// hasTagValue looks for a tag named name whose second element is in wanted.
func hasTagValue(evt *nostr.Event, name string, wanted []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(wanted, tag[1]) {
			return true
		}
	}
	return false
}
