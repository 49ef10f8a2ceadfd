package resolve

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Scorer assigns a score and decision class to candidate pairs.
type Scorer struct {
	graph      store.GraphReader
	strategies Registry
	policy     Policy
}

func NewScorer(graph store.GraphReader, strategies Registry, policy Policy) *Scorer {
	return &Scorer{graph: graph, strategies: strategies, policy: policy}
}

// Score scores every pair of one kind. Profiles are read once per vertex.
// Pairs whose members are no longer active are rejected with
// inactive_vertex.
func (s *Scorer) Score(ctx context.Context, kind kb.Kind, pairs []kb.Pair) ([]kb.ScoredPair, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	strategy, err := s.strategies.For(kind)
	if err != nil {
		return nil, err
	}
	thresholds := s.policy.ThresholdsFor(kind)

	ids := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		ids = append(ids, p.A, p.B)
	}
	vertices, err := s.graph.GetVertices(ctx, store.DedupeStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("read pair members: %w", err)
	}

	profiles := make(map[string]*Profile)
	profile := func(v *kb.Vertex) (*Profile, error) {
		if p, ok := profiles[v.ID]; ok {
			return p, nil
		}
		p, err := strategy.Profile(ctx, s.graph, v)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", v.ID, err)
		}
		profiles[v.ID] = p
		return p, nil
	}

	out := make([]kb.ScoredPair, 0, len(pairs))
	for _, pair := range pairs {
		a, b := vertices[pair.A], vertices[pair.B]
		if !a.Active() || !b.Active() {
			out = append(out, kb.ScoredPair{Pair: pair, Class: kb.ClassReject, Why: kb.ReasonInactiveVertex})
			continue
		}
		if pair.Reason.Deterministic() {
			if sharesKey(strategy, a, b, pair.Reason) {
				out = append(out, kb.ScoredPair{Pair: pair, Score: 1, Class: kb.ClassAutoMerge})
				continue
			}
			logger.Debug("[Scorer] Identifier no longer shared", "a", pair.A, "b", pair.B, "reason", pair.Reason)
		}

		pa, err := profile(a)
		if err != nil {
			return nil, err
		}
		pb, err := profile(b)
		if err != nil {
			return nil, err
		}
		sc := strategy.Score(pa, pb)
		scored := kb.ScoredPair{Pair: pair, Score: sc.Value, Features: sc.Features}
		switch {
		case sc.Veto != "":
			scored.Score = 0
			scored.Class = kb.ClassReject
			scored.Why = sc.Veto
		default:
			scored.Class = thresholds.Classify(sc.Value)
			if scored.Class == kb.ClassReview {
				scored.Why = kb.ReasonReviewScore
			}
		}
		logger.Debug("[Scorer] Scored pair", "a", pair.A, "b", pair.B, "reason", pair.Reason, "score", scored.Score, "class", scored.Class)
		out = append(out, scored)
	}
	return out, nil
}

// sharesKey reports whether a and b currently produce the same blocking key
// for reason. The index may still hold keys of an edited identifier.
func sharesKey(strategy Strategy, a, b *kb.Vertex, reason kb.Reason) bool {
	if reason == kb.ReasonManual {
		return true
	}
	keysA, _ := strategy.BlockingKeys(a)
	keysB, _ := strategy.BlockingKeys(b)
	for _, x := range keysA {
		if x.Reason != reason {
			continue
		}
		for _, y := range keysB {
			if y.Reason == reason && y.Key == x.Key {
				return true
			}
		}
	}
	return false
}
