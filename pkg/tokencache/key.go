package tokencache

import (
	"slices"
	"strings"
)

// Key identifies a cache entry. Scopes are a set: NewKey sorts and
// deduplicates them so that equal sets produce equal keys.
type Key struct {
	Audience string
	Scopes   []string
}

// NewKey builds a normalized key. Scopes may contain space separated lists.
func NewKey(audience string, scopes ...string) Key {
	var set []string
	for _, s := range scopes {
		set = append(set, strings.Fields(s)...)
	}
	slices.Sort(set)
	set = slices.Compact(set)
	return Key{Audience: audience, Scopes: set}
}

// Scope returns the scopes joined with spaces, the form used on the wire.
func (k Key) Scope() string {
	return strings.Join(k.Scopes, " ")
}

// audienceEscaper keeps "::" out of the audience so the first separator in
// String is always the one between audience and scope.
var audienceEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// String is the canonical storage key: the escaped audience, "::", then the
// scope.
func (k Key) String() string {
	return audienceEscaper.Replace(k.Audience) + "::" + k.Scope()
}

// HasScopes reports whether k covers every scope in other.
func (k Key) HasScopes(other Key) bool {
	for _, s := range other.Scopes {
		if _, found := slices.BinarySearch(k.Scopes, s); !found {
			return false
		}
	}
	return true
}
