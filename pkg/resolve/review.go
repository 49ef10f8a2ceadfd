package resolve

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// Review resolutions.
const (
	ResolutionDistinct = "distinct"
	ResolutionMerge    = "merge"
)

var ErrReviewResolved = errors.New("review entry already resolved")

// Reviewer applies reviewer decisions to review queue entries.
type Reviewer struct {
	reviews  store.ReviewQueue
	reader   store.VertexReader
	tx       store.Transactor
	executor *MergeExecutor
}

func NewReviewer(reviews store.ReviewQueue, reader store.VertexReader, tx store.Transactor, executor *MergeExecutor) *Reviewer {
	return &Reviewer{reviews: reviews, reader: reader, tx: tx, executor: executor}
}

// Open lists unresolved entries of kind; an empty kind lists every kind.
func (r *Reviewer) Open(ctx context.Context, kind kb.Kind, limit int) ([]*kb.ReviewEntry, error) {
	return r.reviews.ListReviews(ctx, kind, kb.ReviewOpen, limit)
}

// Resolve records the decision for entry id. "distinct" gives every member
// its own manual identity and reactivates conflicted members, so automatic
// passes keep them apart. "merge" reactivates them and merges the members
// through the executor with a manual decision reason.
func (r *Reviewer) Resolve(ctx context.Context, id, resolution string) (*Applied, error) {
	entry, err := r.reviews.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == kb.ReviewResolved {
		return nil, fmt.Errorf("%w: %s was resolved as %s", ErrReviewResolved, id, entry.Resolution)
	}

	var applied *Applied
	switch resolution {
	case ResolutionDistinct:
		err = r.distinct(ctx, entry)
	case ResolutionMerge:
		applied, err = r.merge(ctx, entry)
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return nil, err
	}

	if err := r.reviews.ResolveReview(ctx, id, resolution); err != nil {
		return nil, fmt.Errorf("resolve review %s: %w", id, err)
	}
	logger.Info("[Review] Resolved entry", "id", id, "resolution", resolution, "members", len(entry.Members))
	return applied, nil
}

func (r *Reviewer) distinct(ctx context.Context, entry *kb.ReviewEntry) error {
	return r.tx.Tx(ctx, func(tx store.GraphTx) error {
		for _, mid := range entry.Members {
			m, err := tx.GetVertex(ctx, mid)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if m.Status == kb.StatusAbsorbed {
				logger.Debug("[Review] Member already absorbed", "id", mid, "canonical", m.CanonicalID, "reason", kb.ReasonInactiveVertex)
				continue
			}
			next := m.Clone()
			next.Status = kb.StatusActive
			if next.Claims == nil {
				next.Claims = kb.Claims{}
			}
			next.Claims.Add(kb.ClaimManualIdentity, kb.ClaimValue{
				Value:      "review:" + entry.ID + ":" + mid,
				Datatype:   kb.DatatypeInternalID,
				Provenance: kb.Provenance{Origin: kb.OriginManual, Source: "review"},
			})
			if _, err := tx.UpdateVertex(ctx, next, m.Revision); err != nil {
				return fmt.Errorf("mark %s distinct: %w", mid, err)
			}
		}
		return nil
	})
}

func (r *Reviewer) merge(ctx context.Context, entry *kb.ReviewEntry) (*Applied, error) {
	// members absorbed since the entry was queued stand in for their canonical
	current, err := r.reader.GetVertices(ctx, entry.Members)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, mid := range entry.Members {
		v, ok := current[mid]
		if !ok {
			continue
		}
		if id := v.Canonical(); !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) < 2 {
		logger.Info("[Review] Members already share a canonical", "id", entry.ID, "members", entry.Members)
		return nil, nil
	}

	if err := r.reactivate(ctx, ids); err != nil {
		return nil, err
	}

	members, err := r.reader.GetVertices(ctx, ids)
	if err != nil {
		return nil, err
	}
	vs := make([]*kb.Vertex, 0, len(members))
	for _, id := range ids {
		if v, ok := members[id]; ok {
			vs = append(vs, v)
		}
	}
	c := Cluster{
		Kind:      entry.Kind,
		Members:   ids,
		Canonical: ElectCanonical(vs),
		Signature: kb.Signature(ids),
		Scores:    entry.Scores,
		Reasons:   []kb.Reason{kb.ReasonManual},
	}
	applied, err := r.executor.Apply(ctx, c)
	if err != nil {
		return nil, err
	}
	if applied.Outcome == OutcomeStale || applied.Outcome == OutcomeConflict {
		return nil, fmt.Errorf("merge review %s: %s", entry.ID, applied.Outcome)
	}
	return &applied, nil
}

// reactivate moves conflicted members back to active.
func (r *Reviewer) reactivate(ctx context.Context, ids []string) error {
	return r.tx.Tx(ctx, func(tx store.GraphTx) error {
		members, err := tx.GetVertices(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, ok := members[id]
			if !ok || m.Status != kb.StatusConflict {
				continue
			}
			next := m.Clone()
			next.Status = kb.StatusActive
			if _, err := tx.UpdateVertex(ctx, next, m.Revision); err != nil {
				return fmt.Errorf("reactivate %s: %w", id, err)
			}
		}
		return nil
	})
}
