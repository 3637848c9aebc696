package config

import "strings"

// applyEnvOverrides mutates tree in place, applying every
// FAMEDLY_SYNC__SECTION__KEY[__...]=value environment variable found in
// environ as an override of the corresponding nested YAML key. List
// values are expressed by splitting on whitespace; a key present in
// the environment but empty is treated as an explicit empty string,
// not an omitted list.
//
// The flattening is deterministic: FAMEDLY_SYNC__ZITADEL__URL maps to
// tree["zitadel"]["url"], case-insensitively matched against the
// lowercased env var segments.
func applyEnvOverrides(tree map[string]interface{}, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(key, EnvPrefix), "__")
		if len(path) == 0 {
			continue
		}
		segments := make([]string, len(path))
		for i, p := range path {
			segments[i] = strings.ToLower(p)
		}
		setPath(tree, segments, parseEnvValue(value))
	}
}

// setPath descends/creates nested maps along path and sets the final
// segment to value.
func setPath(tree map[string]interface{}, path []string, value interface{}) {
	node := tree
	for i, seg := range path {
		if i == len(path)-1 {
			node[seg] = value
			return
		}
		next, ok := node[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			node[seg] = next
		}
		node = next
	}
}

// parseEnvValue decides whether value looks like a space-separated
// list. A single-word value decodes as a scalar string so booleans and
// integers still weakly-type-convert downstream via mapstructure.
func parseEnvValue(value string) interface{} {
	fields := strings.Fields(value)
	if len(fields) <= 1 {
		return value
	}
	out := make([]interface{}, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}
