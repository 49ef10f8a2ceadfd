package resolve

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Cluster is a set of vertices to merge into one canonical.
type Cluster struct {
	Kind      kb.Kind
	Members   []string
	Canonical string
	Signature string
	// Scores holds the score of every auto-merge pair inside the cluster,
	// keyed by pair key.
	Scores  map[string]float64
	Reasons []kb.Reason
	// Conflict is set when the members must not merge automatically.
	Conflict bool
	Detail   string
}

// ClusterBuilder partitions auto-merge pairs into clusters.
type ClusterBuilder struct {
	reader     store.VertexReader
	strategies Registry
}

func NewClusterBuilder(reader store.VertexReader, strategies Registry) *ClusterBuilder {
	return &ClusterBuilder{reader: reader, strategies: strategies}
}

// Build unions the auto-merge pairs of one kind, elects a canonical per
// cluster and flags identity conflicts. Other classes are ignored. Members
// that no longer exist are dropped; clusters left with one member vanish.
func (b *ClusterBuilder) Build(ctx context.Context, kind kb.Kind, pairs []kb.ScoredPair) ([]Cluster, error) {
	strategy, err := b.strategies.For(kind)
	if err != nil {
		return nil, err
	}

	auto := make([]kb.ScoredPair, 0, len(pairs))
	for _, p := range pairs {
		if p.Class == kb.ClassAutoMerge {
			auto = append(auto, p)
		}
	}
	components := connectedComponents(auto)

	var ids []string
	for _, c := range components {
		ids = append(ids, c...)
	}
	vertices, err := b.reader.GetVertices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read cluster members: %w", err)
	}

	clusters := make([]Cluster, 0, len(components))
	for _, component := range components {
		members := make([]*kb.Vertex, 0, len(component))
		for _, id := range component {
			if v, ok := vertices[id]; ok {
				members = append(members, v)
			}
		}
		if len(members) < 2 {
			continue
		}
		c := newCluster(kind, members, auto)
		if detail, conflict := detectConflict(members, strategy.ImmutableKeys()); conflict {
			c.Conflict = true
			c.Detail = detail
			logger.Warn("[Cluster] Identity conflict", "signature", short(c.Signature), "members", c.Members, "detail", detail, "reason", kb.ReasonIdentityConflict)
		}
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Signature < clusters[j].Signature })
	return clusters, nil
}

func newCluster(kind kb.Kind, members []*kb.Vertex, pairs []kb.ScoredPair) Cluster {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	sort.Strings(ids)

	c := Cluster{
		Kind:      kind,
		Members:   ids,
		Canonical: ElectCanonical(members),
		Signature: kb.Signature(ids),
		Scores:    make(map[string]float64),
	}
	seen := make(map[kb.Reason]struct{})
	for _, p := range pairs {
		if !slices.Contains(ids, p.A) || !slices.Contains(ids, p.B) {
			continue
		}
		c.Scores[p.Key()] = p.Score
		if _, ok := seen[p.Reason]; !ok {
			seen[p.Reason] = struct{}{}
			c.Reasons = append(c.Reasons, p.Reason)
		}
	}
	sort.Slice(c.Reasons, func(i, j int) bool { return c.Reasons[i] < c.Reasons[j] })
	return c
}

// ElectCanonical picks the member created first, ties broken by the
// smallest id. The result depends only on the member set.
func ElectCanonical(members []*kb.Vertex) string {
	var best *kb.Vertex
	for _, m := range members {
		if best == nil ||
			m.CreatedAt.Before(best.CreatedAt) ||
			(m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best = m
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// detectConflict reports members carrying distinct manual identities or
// distinct curated values of an immutable key.
func detectConflict(members []*kb.Vertex, immutable []string) (string, bool) {
	manual := make(map[string]string)
	for _, m := range members {
		for _, v := range m.Claims.Values(kb.ClaimManualIdentity) {
			for other, owner := range manual {
				if other != v && owner != m.ID {
					return fmt.Sprintf("%s and %s carry distinct manual identities", owner, m.ID), true
				}
			}
			manual[v] = m.ID
		}
	}

	for _, key := range immutable {
		curated := make(map[string]string)
		for _, m := range members {
			for _, v := range m.Claims.CuratedValues(key) {
				norm := normalizeImmutable(key, v)
				for other, owner := range curated {
					if other != norm && owner != m.ID {
						return fmt.Sprintf("%s and %s have different curated %s", owner, m.ID, key), true
					}
				}
				curated[norm] = m.ID
			}
		}
	}
	return "", false
}

// DOI and ORCID normalization does not depend on the configured rules.
var conflictNormalizer = normalize.New(normalize.DefaultRules())

func normalizeImmutable(key, v string) string {
	switch key {
	case kb.ClaimDOI:
		if doi := conflictNormalizer.DOI(v); doi != "" {
			return doi
		}
	case kb.ClaimORCID:
		if orcid := conflictNormalizer.ORCID(v); orcid != "" {
			return orcid
		}
	}
	return v
}

// connectedComponents groups ids that are transitively paired. Components
// and their members are sorted so the output is independent of pair order.
func connectedComponents(pairs []kb.ScoredPair) [][]string {
	parent := make(map[string]string)

	var find func(x string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	union := func(x, y string) {
		px, py := find(x), find(y)
		if px == py {
			return
		}
		if px < py {
			parent[py] = px
		} else {
			parent[px] = py
		}
	}

	for _, p := range pairs {
		union(p.A, p.B)
	}

	components := make(map[string][]string)
	for id := range parent {
		root := find(id)
		components[root] = append(components[root], id)
	}

	result := make([][]string, 0, len(components))
	for _, group := range components {
		if len(group) > 1 {
			sort.Strings(group)
			result = append(result, group)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}
