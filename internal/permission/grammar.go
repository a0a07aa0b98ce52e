// Package permission implements the "<module>:<action>" permission key
// grammar and wildcard matching over granted patterns. It has no
// dependencies and performs no I/O.
package permission

import "strings"

// Wildcard matches any segment of a permission key.
const Wildcard = "*"

// Key is a parsed permission key.
type Key struct {
	Module string
	Action string
}

// String renders the key back to its wire form.
func (k Key) String() string {
	return k.Module + ":" + k.Action
}

// ParseKey splits a permission key into its module and action segments.
// A key must contain exactly one colon and both segments must be
// non-empty; anything else reports false.
func ParseKey(key string) (Key, bool) {
	module, action, ok := strings.Cut(key, ":")
	if !ok || module == "" || action == "" {
		return Key{}, false
	}
	if strings.Contains(action, ":") {
		return Key{}, false
	}
	return Key{Module: module, Action: action}, true
}

// Matches reports whether a granted pattern covers a required key. A
// pattern is either the global wildcard "*", an exact key, or a key with
// one wildcard segment ("<module>:*", "*:<action>"). Malformed patterns
// match nothing.
func Matches(pattern, required string) bool {
	if pattern == Wildcard {
		return true
	}
	if pattern == required {
		return true
	}
	p, ok := ParseKey(pattern)
	if !ok {
		return false
	}
	r, ok := ParseKey(required)
	if !ok {
		return false
	}
	moduleOK := p.Module == Wildcard || p.Module == r.Module
	actionOK := p.Action == Wildcard || p.Action == r.Action
	return moduleOK && actionOK
}

// IsAllowed reports whether any granted pattern covers the required key.
func IsAllowed(required string, granted []string) bool {
	for _, pattern := range granted {
		if Matches(pattern, required) {
			return true
		}
	}
	return false
}

// AnyAllowed reports whether at least one of the required keys is covered
// by the grant set. An empty required set allows nothing.
func AnyAllowed(required, granted []string) bool {
	for _, key := range required {
		if IsAllowed(key, granted) {
			return true
		}
	}
	return false
}
