package resolve

import (
	"context"
	"strings"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// pairMarker replaces both members of a scored pair in co-mention sets, so
// two packages mentioned alongside each other count as the same cluster.
const pairMarker = "\x00pair"

// softwareStrategy requires a shared normalized name or alias and then weighs
// co-mentioned entities, version and citing documents.
type softwareStrategy struct {
	norm   *normalize.Normalizer
	policy SoftwarePolicy
	fanout int
}

func (s *softwareStrategy) Kind() kb.Kind { return kb.KindSoftware }

func (s *softwareStrategy) ImmutableKeys() []string { return nil }

func (s *softwareStrategy) SingleValuedKeys() []string {
	return []string{kb.ClaimName, kb.ClaimVersion}
}

func (s *softwareStrategy) names(v *kb.Vertex) []string {
	raw := append(v.Claims.Values(kb.ClaimName), v.Claims.Values(kb.ClaimAlias)...)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, s.norm.Text(r))
	}
	return store.DedupeStrings(out)
}

func (s *softwareStrategy) BlockingKeys(v *kb.Vertex) ([]BlockingKey, []kb.Reason) {
	names := s.names(v)
	if len(names) == 0 {
		return nil, []kb.Reason{kb.ReasonSoftwareName}
	}
	keys := make([]BlockingKey, 0, len(names))
	for _, n := range names {
		keys = append(keys, BlockingKey{Key: "name:" + n, Reason: kb.ReasonSoftwareName})
	}
	return keys, nil
}

// Profile reads the documents citing or referenced by the software and the
// software and persons co-mentioned in the citing documents.
func (s *softwareStrategy) Profile(ctx context.Context, g store.GraphReader, v *kb.Vertex) (*Profile, error) {
	p := newProfile(v)
	for _, n := range s.names(v) {
		p.set("names")[n] = struct{}{}
	}
	p.Text["version"] = normalizeVersion(v.Claims.FirstValue(kb.ClaimVersion))

	edges, err := g.EdgesOf(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	citing := neighbors(edges, v.ID, kb.EdgeCitations, incoming(v.ID), s.fanout)
	referenced := neighbors(edges, v.ID, kb.EdgeReferences, outgoing(v.ID), s.fanout)
	docs, err := canonicalize(ctx, g, append(citing, referenced...))
	if err != nil {
		return nil, err
	}
	p.Sets["documents"] = docs

	var mentioned []string
	for _, d := range citing {
		dEdges, err := g.EdgesOf(ctx, d)
		if err != nil {
			return nil, err
		}
		mentioned = append(mentioned, neighbors(dEdges, d, kb.EdgeCitations, outgoing(d), s.fanout)...)
		mentioned = append(mentioned, neighbors(dEdges, d, kb.EdgeActors, incoming(d), s.fanout)...)
	}
	comentions, err := canonicalize(ctx, g, mentioned)
	if err != nil {
		return nil, err
	}
	p.Sets["comentions"] = without(comentions, v.ID, v.Canonical())
	return p, nil
}

func (s *softwareStrategy) Score(a, b *Profile) Score {
	if normalize.Intersection(a.Sets["names"], b.Sets["names"]) == 0 {
		return Score{Veto: kb.ReasonNameMismatch}
	}
	comention := normalize.Overlap(
		collapsePair(a.Sets["comentions"], a.Vertex, b.Vertex),
		collapsePair(b.Sets["comentions"], a.Vertex, b.Vertex),
	)
	va, vb := a.Text["version"], b.Text["version"]
	version := boolScore(va == "" || vb == "" || va == vb)
	documents := normalize.Overlap(a.Sets["documents"], b.Sets["documents"])

	return Score{
		Value: clamp01(s.policy.ComentionWeight*comention + s.policy.VersionWeight*version + s.policy.DocumentWeight*documents),
		Features: map[string]float64{
			"comention": comention,
			"version":   version,
			"documents": documents,
		},
	}
}

func collapsePair(set map[string]struct{}, a, b *kb.Vertex) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for id := range set {
		if id == a.ID || id == b.ID || id == a.Canonical() || id == b.Canonical() {
			out[pairMarker] = struct{}{}
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func normalizeVersion(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.TrimPrefix(v, "v")
}
