package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// BlockingKey is one blocking key of a vertex and the reason it stands for.
type BlockingKey struct {
	Key    string
	Reason kb.Reason
}

// Score is the outcome of comparing two profiles. A non-empty Veto rejects
// the pair regardless of Value.
type Score struct {
	Value    float64
	Features map[string]float64
	Veto     kb.Reason
}

// Profile holds the normalized features of one vertex, read once per page
// and shared by every pair the vertex takes part in.
type Profile struct {
	Vertex *kb.Vertex
	Text   map[string]string
	Sets   map[string]map[string]struct{}
}

func newProfile(v *kb.Vertex) *Profile {
	return &Profile{
		Vertex: v,
		Text:   make(map[string]string),
		Sets:   make(map[string]map[string]struct{}),
	}
}

func (p *Profile) set(name string) map[string]struct{} {
	s, ok := p.Sets[name]
	if !ok {
		s = make(map[string]struct{})
		p.Sets[name] = s
	}
	return s
}

// Strategy implements the kind-specific parts of resolution. Candidate
// generation, clustering and merging are generic over it.
type Strategy interface {
	Kind() kb.Kind
	// BlockingKeys returns the keys of v and the blocking reasons skipped
	// because v lacks the attributes they need.
	BlockingKeys(v *kb.Vertex) (keys []BlockingKey, missing []kb.Reason)
	Profile(ctx context.Context, g store.GraphReader, v *kb.Vertex) (*Profile, error)
	Score(a, b *Profile) Score
	// ImmutableKeys are claim keys whose curated values never change; two
	// members with different curated values conflict.
	ImmutableKeys() []string
	// SingleValuedKeys hold one primary value; alternatives become secondary.
	SingleValuedKeys() []string
}

// Registry maps every kind to its strategy.
type Registry map[kb.Kind]Strategy

// NewRegistry builds the four strategies over one shared normalizer.
func NewRegistry(policy Policy) Registry {
	n := normalize.New(policy.Normalization)
	return Registry{
		kb.KindDocument:     &documentStrategy{norm: n, policy: policy.Documents},
		kb.KindPerson:       &personStrategy{norm: n, policy: policy.Persons, fanout: policy.MaxFanout},
		kb.KindOrganization: &organizationStrategy{norm: n, policy: policy.Organizations, fanout: policy.MaxFanout},
		kb.KindSoftware:     &softwareStrategy{norm: n, policy: policy.Software, fanout: policy.MaxFanout},
	}
}

func (r Registry) For(kind kb.Kind) (Strategy, error) {
	s, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no strategy for kind %q", kind)
	}
	return s, nil
}

// canonicalize maps ids to the ids readers see: absorbed vertices resolve to
// their canonical, unknown ids are dropped.
func canonicalize(ctx context.Context, g store.VertexReader, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vs, err := g.GetVertices(ctx, store.DedupeStrings(ids))
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		out[v.Canonical()] = struct{}{}
	}
	return out, nil
}

// neighbors returns the ids on the other side of v's edges in collection,
// keeping only edges for which keep returns true. At most limit ids are read.
func neighbors(edges []*kb.Edge, id string, collection kb.EdgeCollection, keep func(e *kb.Edge) bool, limit int) []string {
	var out []string
	for _, e := range edges {
		if e.Collection != collection || (keep != nil && !keep(e)) {
			continue
		}
		other := e.Other(id)
		if other == id {
			continue
		}
		out = append(out, other)
	}
	out = store.DedupeStrings(out)
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func outgoing(id string) func(e *kb.Edge) bool {
	return func(e *kb.Edge) bool { return e.From == id }
}

func incoming(id string) func(e *kb.Edge) bool {
	return func(e *kb.Edge) bool { return e.To == id }
}

// without returns s minus the given ids.
func without(s map[string]struct{}, ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		delete(out, id)
	}
	return out
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func clamp01(x float64) float64 {
	return max(0, min(1, x))
}
