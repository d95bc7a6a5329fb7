package gateway

import (
	"strings"

	"bridge/pkg/registry"
)

// matchRoute implements spec §4.8's "longest-match over the union of
// registered MethodSpec.rest_patterns": among catalog entries whose method
// and segment count match the request, the one with the most literal
// (non-parameter) segments wins.
func matchRoute(desc registry.ServiceDescriptor, httpMethod string, segments []string) (spec registry.MethodSpec, params map[string]string, route string, ok bool) {
	bestScore := -1

	for pattern, candidate := range desc.MethodCatalog {
		method, path := registry.SplitPattern(pattern)
		if !strings.EqualFold(method, httpMethod) {
			continue
		}
		patSegs := splitPath(path)
		if len(patSegs) != len(segments) {
			continue
		}

		score := 0
		bound := make(map[string]string, len(patSegs))
		matched := true
		for i, ps := range patSegs {
			if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
				bound[strings.TrimSuffix(strings.TrimPrefix(ps, "{"), "}")] = segments[i]
				continue
			}
			if ps != segments[i] {
				matched = false
				break
			}
			score++
		}
		if !matched {
			continue
		}
		if score > bestScore {
			bestScore = score
			spec = candidate
			params = bound
			route = pattern
			ok = true
		}
	}
	return spec, params, route, ok
}
