package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	key, ok := ParseKey("driver:update")
	require.True(t, ok)
	assert.Equal(t, Key{Module: "driver", Action: "update"}, key)
	assert.Equal(t, "driver:update", key.String())

	for _, malformed := range []string{"driver", ":read", "driver:", "a:b:c", "*", "", ":"} {
		_, ok := ParseKey(malformed)
		assert.False(t, ok, "key %q must be rejected", malformed)
	}
}

func TestParseKeyAcceptsWildcardSegments(t *testing.T) {
	key, ok := ParseKey("driver:*")
	require.True(t, ok)
	assert.Equal(t, "*", key.Action)

	key, ok = ParseKey("*:read")
	require.True(t, ok)
	assert.Equal(t, "*", key.Module)
}

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern  string
		required string
		want     bool
	}{
		{"driver:read", "driver:read", true},
		{"driver:read", "driver:update", false},
		{"driver:read", "passenger:read", false},
		{"*", "driver:read", true},
		{"*", "anything:at-all", true},
		{"driver:*", "driver:read", true},
		{"driver:*", "driver:delete", true},
		{"driver:*", "passenger:read", false},
		{"*:read", "driver:read", true},
		{"*:read", "passenger:read", true},
		{"*:read", "driver:update", false},
		{"*:*", "driver:read", true},
		// Malformed patterns and keys never match.
		{"driver", "driver:read", false},
		{"driver:read", "driver", false},
		{"a:b:c", "a:b", false},
		{"", "driver:read", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.pattern, tc.required), "Matches(%q, %q)", tc.pattern, tc.required)
	}
}

func TestIsAllowed(t *testing.T) {
	granted := []string{"role:view", "driver:*"}

	assert.True(t, IsAllowed("role:view", granted))
	assert.True(t, IsAllowed("driver:delete", granted))
	assert.False(t, IsAllowed("role:create", granted))
	assert.False(t, IsAllowed("role:view", nil))
}

func TestAnyAllowed(t *testing.T) {
	granted := []string{"role:create", "role:view"}

	assert.True(t, AnyAllowed([]string{"role:create"}, granted))
	assert.True(t, AnyAllowed([]string{"permission:delete", "role:view"}, granted))
	assert.False(t, AnyAllowed([]string{"permission:delete"}, granted))
	assert.False(t, AnyAllowed(nil, granted), "an empty requirement allows nothing")
	assert.False(t, AnyAllowed([]string{}, []string{"*"}))
}

func TestBuildCapabilityMap(t *testing.T) {
	catalog := []string{"dashboard:view", "dashboard:read", "driver:view", "driver:update", "driver:delete"}
	granted := []string{"dashboard:view", "driver:update"}

	capabilities := BuildCapabilityMap(catalog, granted)

	assert.Equal(t, CapabilityMap{
		"dashboard": {"view": true, "read": false},
		"driver":    {"view": false, "update": true, "delete": false},
	}, capabilities)
}

func TestBuildCapabilityMapIgnoresGarbageCatalogEntries(t *testing.T) {
	catalog := []string{"bad", "*", "a:b:c", "driver:read"}

	capabilities := BuildCapabilityMap(catalog, nil)

	require.Len(t, capabilities, 1)
	assert.Equal(t, map[string]bool{"read": false, "view": false}, map[string]bool(capabilities["driver"]))
}

func TestBuildCapabilityMapSynthesizesView(t *testing.T) {
	capabilities := BuildCapabilityMap([]string{"invoice:approve"}, []string{"invoice:approve"})

	assert.True(t, capabilities["invoice"]["approve"])
	assert.False(t, capabilities["invoice"]["view"])
}

func TestBuildCapabilityMapIgnoresUncataloguedGrants(t *testing.T) {
	capabilities := BuildCapabilityMap([]string{"driver:read"}, []string{"ghost:write", "not-a-key", "*"})

	assert.Len(t, capabilities, 1)
	assert.False(t, capabilities["driver"]["read"], "wildcard grants do not expand in the capability map")
}
