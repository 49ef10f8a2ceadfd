package resolve

import (
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
)

// mergeClaims folds the claims of absorbed members into the canonical's.
// Values are unioned by identity. For single-valued keys one value stays
// primary: curated provenance first, then the canonical's own non-empty
// value, then the first non-empty value in member order. Every other value
// is kept as secondary.
func mergeClaims(canonical *kb.Vertex, absorbed []*kb.Vertex, singleValued []string) kb.Claims {
	out := canonical.Claims.Clone()
	if out == nil {
		out = kb.Claims{}
	}

	members := slices.Clone(absorbed)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	for _, m := range members {
		keys := make([]string, 0, len(m.Claims))
		for k := range m.Claims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range m.Claims[k] {
				if idx := indexOfIdentity(out[k], v); idx >= 0 {
					// keep the stronger provenance of two equal values
					if v.Provenance.Curated() && !out[k][idx].Provenance.Curated() {
						out[k][idx].Provenance = v.Provenance
					}
					continue
				}
				out[k] = append(out[k], v)
			}
		}
	}

	for _, k := range singleValued {
		out[k] = electPrimary(out[k])
	}
	return out
}

func indexOfIdentity(vs []kb.ClaimValue, v kb.ClaimValue) int {
	for i, existing := range vs {
		if existing.Identity() == v.Identity() {
			return i
		}
	}
	return -1
}

// electPrimary reorders vs so the chosen primary comes first and marks the
// rest secondary. vs is in canonical-first order.
func electPrimary(vs []kb.ClaimValue) []kb.ClaimValue {
	if len(vs) == 0 {
		return vs
	}
	primary := -1
	for i, v := range vs {
		if strings.TrimSpace(v.Value) == "" {
			continue
		}
		if primary < 0 {
			primary = i
		}
		if v.Provenance.Curated() && !vs[primary].Provenance.Curated() {
			primary = i
		}
	}
	if primary < 0 {
		return vs
	}

	out := make([]kb.ClaimValue, 0, len(vs))
	p := vs[primary]
	p.Secondary = false
	out = append(out, p)
	for i, v := range vs {
		if i == primary {
			continue
		}
		v.Secondary = true
		out = append(out, v)
	}
	return out
}

func claimsEqual(a, b kb.Claims) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
