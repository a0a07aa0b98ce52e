package permission

// ViewAction is synthesized for every module in a capability map so
// clients can always probe visibility.
const ViewAction = "view"

// CapabilityMap projects the catalog onto a module/action boolean matrix.
type CapabilityMap map[string]map[string]bool

// BuildCapabilityMap evaluates the granted keys against the catalog.
// Malformed catalog entries are dropped; grant membership is by exact
// key, so wildcard grants do not expand here. Granted keys outside the
// catalog never synthesize modules.
func BuildCapabilityMap(catalogKeys, grantedKeys []string) CapabilityMap {
	granted := make(map[string]struct{}, len(grantedKeys))
	for _, key := range grantedKeys {
		granted[key] = struct{}{}
	}

	capabilities := make(CapabilityMap)
	for _, key := range catalogKeys {
		parsed, ok := ParseKey(key)
		if !ok {
			continue
		}
		actions, ok := capabilities[parsed.Module]
		if !ok {
			actions = make(map[string]bool)
			capabilities[parsed.Module] = actions
		}
		_, has := granted[key]
		actions[parsed.Action] = has
	}
	for _, actions := range capabilities {
		if _, ok := actions[ViewAction]; !ok {
			actions[ViewAction] = false
		}
	}
	return capabilities
}
