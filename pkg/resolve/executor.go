package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Outcome is the result of applying one cluster.
type Outcome string

const (
	OutcomeMerged    Outcome = "merged"
	OutcomeCommitted Outcome = "already_committed"
	OutcomeStale     Outcome = "stale"
	OutcomeConflict  Outcome = "revision_conflict"
	OutcomeFailed    Outcome = "failed"
)

// Applied reports what applying a cluster did.
type Applied struct {
	Outcome  Outcome
	Record   *kb.AuditRecord
	Attempts int
	Duration time.Duration
	// Touched lists the canonical and the vertices at the other end of
	// rewritten edges; the search indexer refreshes them.
	Touched []string
}

// MergeExecutor applies clusters in single revision-checked transactions.
type MergeExecutor struct {
	tx         store.Transactor
	strategies Registry
	opts       Options
	now        func() time.Time
}

func NewMergeExecutor(tx store.Transactor, strategies Registry, opts Options) *MergeExecutor {
	return &MergeExecutor{
		tx:         tx,
		strategies: strategies,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Apply merges c. A signature whose latest decision is a merge is a no-op.
// Transient failures retry the whole transaction with fresh state; a
// stale cluster is dropped. Revision conflicts that outlast the retries
// also drop the cluster, the next pass recomputes it. Only store
// unavailability that outlasts the retries is returned as an error.
func (e *MergeExecutor) Apply(ctx context.Context, c Cluster) (Applied, error) {
	start := time.Now()
	var res Applied
	attempts, err := util.RetryWithBackoff(ctx, e.opts.Retry, IsTransient, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.opts.ClusterTimeout)
		defer cancel()
		var err error
		res, err = e.applyOnce(cctx, c)
		if err != nil && IsTransient(err) {
			logger.Debug("[Merge] Retrying cluster", "signature", short(c.Signature), "err", err, "reason", reasonOf(err))
		}
		return err
	})
	res.Attempts = attempts
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		if res.Outcome == OutcomeCommitted {
			logger.Debug("[Merge] Cluster already committed", "signature", short(c.Signature), "reason", kb.ReasonAlreadyCommitted)
		} else {
			logger.Info("[Merge] Merged cluster", "signature", short(c.Signature), "canonical", c.Canonical, "members", len(c.Members), "attempts", attempts)
		}
		return res, nil
	case errors.Is(err, ErrStaleCluster):
		logger.Info("[Merge] Dropping stale cluster", "signature", short(c.Signature), "err", err, "reason", kb.ReasonStaleCluster)
		res.Outcome = OutcomeStale
		return res, nil
	case errors.Is(err, store.ErrRevisionConflict):
		logger.Warn("[Merge] Dropping cluster after revision conflicts", "signature", short(c.Signature), "attempts", attempts, "reason", kb.ReasonRevisionConflict)
		res.Outcome = OutcomeConflict
		return res, nil
	default:
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("apply cluster %s: %w", short(c.Signature), err)
	}
}

func (e *MergeExecutor) applyOnce(ctx context.Context, c Cluster) (Applied, error) {
	strategy, err := e.strategies.For(c.Kind)
	if err != nil {
		return Applied{}, err
	}

	var res Applied
	err = e.tx.Tx(ctx, func(tx store.GraphTx) error {
		latest, err := tx.LatestDecision(ctx, c.Signature)
		switch {
		case err == nil && latest.Decision == kb.DecisionMerge:
			res = Applied{Outcome: OutcomeCommitted, Record: latest}
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		members, err := tx.GetVertices(ctx, c.Members)
		if err != nil {
			return err
		}
		for _, id := range c.Members {
			m, ok := members[id]
			if !ok {
				return &StaleClusterError{Signature: c.Signature, Member: id, Status: "missing"}
			}
			if !m.Active() {
				return &StaleClusterError{Signature: c.Signature, Member: id, Status: m.Status}
			}
		}

		rec, touched, err := e.merge(ctx, tx, c, members, strategy)
		if err != nil {
			return err
		}
		res = Applied{Outcome: OutcomeMerged, Record: rec, Touched: touched}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	return res, nil
}

func (e *MergeExecutor) merge(ctx context.Context, tx store.GraphTx, c Cluster, members map[string]*kb.Vertex, strategy Strategy) (*kb.AuditRecord, []string, error) {
	canonical := members[c.Canonical]
	absorbed := make([]*kb.Vertex, 0, len(c.Members)-1)
	for _, id := range c.Members {
		if id != c.Canonical {
			absorbed = append(absorbed, members[id])
		}
	}

	snap := kb.Snapshot{
		CanonicalClaims:   canonical.Claims.Clone(),
		CanonicalRevision: canonical.Revision,
		MemberClaims:      make(map[string]kb.Claims, len(absorbed)),
		Repointed:         make(map[string]string),
	}
	for _, m := range absorbed {
		snap.MemberClaims[m.ID] = m.Claims.Clone()
	}

	merged := mergeClaims(canonical, absorbed, strategy.SingleValuedKeys())
	if !claimsEqual(merged, canonical.Claims) {
		next := canonical.Clone()
		next.Claims = merged
		rev, err := tx.UpdateVertex(ctx, next, canonical.Revision)
		if err != nil {
			return nil, nil, fmt.Errorf("update canonical %s: %w", canonical.ID, err)
		}
		snap.CanonicalRevision = rev
	}

	changes, touched, err := rewriteEdges(ctx, tx, canonical.ID, absorbed)
	if err != nil {
		return nil, nil, err
	}
	snap.Edges = changes

	for _, m := range absorbed {
		refs, err := tx.Referrers(ctx, m.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range refs {
			if _, err := tx.TombstoneVertex(ctx, r.ID, canonical.ID, r.Revision); err != nil {
				return nil, nil, fmt.Errorf("re-point %s: %w", r.ID, err)
			}
			snap.Repointed[r.ID] = m.ID
		}
		if _, err := tx.TombstoneVertex(ctx, m.ID, canonical.ID, m.Revision); err != nil {
			return nil, nil, fmt.Errorf("tombstone %s: %w", m.ID, err)
		}
	}

	rec := &kb.AuditRecord{
		ID:          uuid.NewString(),
		Signature:   c.Signature,
		Kind:        c.Kind,
		Decision:    kb.DecisionMerge,
		Members:     c.Members,
		Scores:      c.Scores,
		CanonicalID: canonical.ID,
		Reasons:     c.Reasons,
		CreatedAt:   e.now(),
		Snapshot:    snap,
	}
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("append audit: %w", err)
	}
	return rec, append([]string{canonical.ID}, touched...), nil
}

// rewriteEdges moves every edge of the absorbed members to the canonical.
// Edges that become self-loops or duplicate another edge of the canonical
// are removed instead. Edges already on the canonical are kept as they are.
func rewriteEdges(ctx context.Context, tx store.GraphTx, canonical string, absorbed []*kb.Vertex) ([]kb.EdgeChange, []string, error) {
	target := make(map[string]string, len(absorbed))
	for _, m := range absorbed {
		target[m.ID] = canonical
	}
	remap := func(id string) string {
		if t, ok := target[id]; ok {
			return t
		}
		return id
	}

	byID := make(map[string]*kb.Edge)
	for _, id := range append([]string{canonical}, keysOf(target)...) {
		edges, err := tx.EdgesOf(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range edges {
			byID[e.ID] = e
		}
	}

	plans := make([]edgePlan, 0, len(byID))
	for _, e := range byID {
		m := e.Clone()
		m.From, m.To = remap(e.From), remap(e.To)
		plans = append(plans, edgePlan{orig: e, moved: m})
	}
	// untouched edges first, so they are the ones kept among duplicates
	sort.Slice(plans, func(i, j int) bool {
		ci, cj := plans[i].changed(), plans[j].changed()
		if ci != cj {
			return !ci
		}
		return plans[i].orig.ID < plans[j].orig.ID
	})

	var changes []kb.EdgeChange
	touched := make(map[string]struct{})
	kept := make(map[string]struct{})
	for _, p := range plans {
		key := p.moved.DedupeKey()
		if !p.changed() {
			kept[key] = struct{}{}
			continue
		}
		_, dup := kept[key]
		if dup || p.moved.From == p.moved.To {
			if err := tx.RemoveEdge(ctx, p.orig.ID, p.orig.Revision); err != nil {
				return nil, nil, fmt.Errorf("remove edge %s: %w", p.orig.ID, err)
			}
			changes = append(changes, kb.EdgeChange{EdgeID: p.orig.ID, Removed: p.orig.Clone()})
			continue
		}
		kept[key] = struct{}{}

		rev := p.orig.Revision
		for _, field := range []string{"_from", "_to"} {
			old := p.orig.From
			if field == "_to" {
				old = p.orig.To
			}
			if _, ok := target[old]; !ok {
				continue
			}
			var err error
			rev, err = tx.RewriteEdgeEndpoint(ctx, p.orig.ID, old, canonical, rev)
			if err != nil {
				return nil, nil, fmt.Errorf("rewrite edge %s: %w", p.orig.ID, err)
			}
			changes = append(changes, kb.EdgeChange{EdgeID: p.orig.ID, Field: field, OldID: old, NewID: canonical})
		}
		touched[p.moved.Other(canonical)] = struct{}{}
	}
	return changes, keysOf(touched), nil
}

// edgePlan pairs an edge with its endpoints after the merge.
type edgePlan struct {
	orig  *kb.Edge
	moved *kb.Edge
}

func (p edgePlan) changed() bool {
	return p.orig.From != p.moved.From || p.orig.To != p.moved.To
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
