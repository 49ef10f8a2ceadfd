package resolve

import (
	"context"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// organizationStrategy requires the same country and then weighs type,
// address and name. Neighbor overlap is available but weighted 0 by default.
type organizationStrategy struct {
	norm   *normalize.Normalizer
	policy OrganizationPolicy
	fanout int
}

func (s *organizationStrategy) Kind() kb.Kind { return kb.KindOrganization }

func (s *organizationStrategy) ImmutableKeys() []string { return nil }

func (s *organizationStrategy) SingleValuedKeys() []string {
	return []string{kb.ClaimName, kb.ClaimCountry, kb.ClaimType}
}

func (s *organizationStrategy) BlockingKeys(v *kb.Vertex) ([]BlockingKey, []kb.Reason) {
	var keys []BlockingKey
	var missing []kb.Reason

	name := s.norm.Text(v.Claims.FirstValue(kb.ClaimName))
	country := s.norm.Text(v.Claims.FirstValue(kb.ClaimCountry))
	typ := s.norm.Text(v.Claims.FirstValue(kb.ClaimType))

	if name == "" || country == "" || typ == "" {
		missing = append(missing, kb.ReasonOrgCountryType)
	} else {
		keys = append(keys, BlockingKey{Key: "org:" + country + "|" + typ + "|" + name, Reason: kb.ReasonOrgCountryType})
	}
	if name == "" {
		missing = append(missing, kb.ReasonOrgCooccurrence)
	} else {
		keys = append(keys, BlockingKey{Key: "name:" + name, Reason: kb.ReasonOrgCooccurrence})
	}
	return keys, missing
}

func (s *organizationStrategy) Profile(ctx context.Context, g store.GraphReader, v *kb.Vertex) (*Profile, error) {
	p := newProfile(v)
	p.Text["name"] = s.norm.Text(v.Claims.FirstValue(kb.ClaimName))
	p.Text["country"] = s.norm.Text(v.Claims.FirstValue(kb.ClaimCountry))
	p.Text["type"] = s.norm.Text(v.Claims.FirstValue(kb.ClaimType))

	address := p.set("address")
	for _, raw := range v.Claims.Values(kb.ClaimAddress) {
		for _, t := range s.norm.Tokens(raw) {
			address[t] = struct{}{}
		}
	}

	if s.policy.CooccurrenceWeight > 0 {
		edges, err := g.EdgesOf(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, c := range kb.EdgeCollections {
			ids = append(ids, neighbors(edges, v.ID, c, nil, s.fanout)...)
		}
		n, err := canonicalize(ctx, g, ids)
		if err != nil {
			return nil, err
		}
		p.Sets["neighbors"] = n
	}
	return p, nil
}

func (s *organizationStrategy) Score(a, b *Profile) Score {
	if a.Text["country"] == "" || a.Text["country"] != b.Text["country"] {
		return Score{Veto: kb.ReasonCountryMismatch}
	}
	typ := boolScore(a.Text["type"] != "" && a.Text["type"] == b.Text["type"])
	address := normalize.Jaccard(sortedKeys(a.Sets["address"]), sortedKeys(b.Sets["address"]))
	name := normalize.Similarity(a.Text["name"], b.Text["name"])
	cooc := normalize.Overlap(
		without(a.Sets["neighbors"], b.Vertex.ID),
		without(b.Sets["neighbors"], a.Vertex.ID),
	)

	value := s.policy.TypeWeight*typ + s.policy.AddressWeight*address + s.policy.NameWeight*name + s.policy.CooccurrenceWeight*cooc
	return Score{
		Value: clamp01(value),
		Features: map[string]float64{
			"type":         typ,
			"address":      address,
			"name":         name,
			"cooccurrence": cooc,
		},
	}
}

func sortedKeys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
