package resolve

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// AuditTrail reads merge decisions, resolves redirects and rolls merges back.
type AuditTrail struct {
	log    store.AuditLog
	reader store.VertexReader
	tx     store.Transactor
	now    func() time.Time
}

func NewAuditTrail(log store.AuditLog, reader store.VertexReader, tx store.Transactor) *AuditTrail {
	return &AuditTrail{
		log:    log,
		reader: reader,
		tx:     tx,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Redirect resolves any vertex id to the id readers should use. Because
// canonical chains have depth one this is a single lookup.
func (a *AuditTrail) Redirect(ctx context.Context, id string) (string, error) {
	v, err := a.reader.GetVertex(ctx, id)
	if err != nil {
		return "", err
	}
	return v.Canonical(), nil
}

// History returns every decision naming id as a member, oldest first.
func (a *AuditTrail) History(ctx context.Context, id string) ([]*kb.AuditRecord, error) {
	return a.log.AuditByMember(ctx, id)
}

func (a *AuditTrail) Record(ctx context.Context, id string) (*kb.AuditRecord, error) {
	return a.log.GetAudit(ctx, id)
}

// RollbackReport lists what a rollback restored and what it could not.
type RollbackReport struct {
	MergeID       string   `json:"merge_id"`
	UnmergeID     string   `json:"unmerge_id"`
	Restored      []string `json:"restored"`
	Repointed     []string `json:"repointed,omitempty"`
	Edges         int      `json:"edges_restored"`
	Unrecoverable []string `json:"unrecoverable,omitempty"`
}

// Rollback compensates the merge record id with an unmerge record. Absorbed
// members are reactivated with their prior claims, edges are moved back and
// removed duplicates restored. Edges a later merge rewrote again, and
// canonical claims changed after the merge, are left as they are and listed
// in the report. Every member receives a distinct manual identity so
// automatic passes do not merge them again.
func (a *AuditTrail) Rollback(ctx context.Context, id string) (*RollbackReport, error) {
	var report *RollbackReport
	err := a.tx.Tx(ctx, func(tx store.GraphTx) error {
		r, err := a.rollback(ctx, tx, id)
		report = r
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("[Audit] Rolled back merge", "merge", id, "unmerge", report.UnmergeID, "restored", len(report.Restored), "unrecoverable", len(report.Unrecoverable))
	return report, nil
}

func (a *AuditTrail) rollback(ctx context.Context, tx store.GraphTx, id string) (*RollbackReport, error) {
	rec, err := tx.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Decision != kb.DecisionMerge {
		return nil, fmt.Errorf("audit record %s is a %s decision, only merges can be rolled back", id, rec.Decision)
	}
	latest, err := tx.LatestDecision(ctx, rec.Signature)
	if err != nil {
		return nil, err
	}
	if latest.ID != rec.ID {
		return nil, fmt.Errorf("%w: %s is superseded by %s", ErrAlreadyReverted, id, latest.ID)
	}

	canonical, err := tx.GetVertex(ctx, rec.CanonicalID)
	if err != nil {
		return nil, err
	}
	if canonical.Status == kb.StatusAbsorbed {
		return nil, fmt.Errorf("%w: canonical %s was absorbed into %s", ErrRollbackBlocked, canonical.ID, canonical.CanonicalID)
	}

	unmergeID := uuid.NewString()
	report := &RollbackReport{MergeID: rec.ID, UnmergeID: unmergeID}
	manual := func(member string) kb.ClaimValue {
		return kb.ClaimValue{
			Value:      "unmerge:" + unmergeID + ":" + member,
			Datatype:   kb.DatatypeInternalID,
			Provenance: kb.Provenance{Origin: kb.OriginManual, Source: "rollback"},
		}
	}

	for _, mid := range rec.Absorbed() {
		m, err := tx.GetVertex(ctx, mid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				report.Unrecoverable = append(report.Unrecoverable, "vertex "+mid+" no longer exists")
				continue
			}
			return nil, err
		}
		if m.Status != kb.StatusAbsorbed || m.CanonicalID != rec.CanonicalID {
			report.Unrecoverable = append(report.Unrecoverable, fmt.Sprintf("vertex %s is %s under %s", mid, m.Status, m.CanonicalID))
			continue
		}
		next := m.Clone()
		next.Status = kb.StatusActive
		next.CanonicalID = m.ID
		if prior, ok := rec.Snapshot.MemberClaims[mid]; ok {
			next.Claims = prior.Clone()
		}
		if next.Claims == nil {
			next.Claims = kb.Claims{}
		}
		next.Claims.Add(kb.ClaimManualIdentity, manual(mid))
		if _, err := tx.UpdateVertex(ctx, next, m.Revision); err != nil {
			return nil, fmt.Errorf("restore %s: %w", mid, err)
		}
		report.Restored = append(report.Restored, mid)
	}

	for rid, prev := range rec.Snapshot.Repointed {
		r, err := tx.GetVertex(ctx, rid)
		if err != nil {
			return nil, err
		}
		if r.Status != kb.StatusAbsorbed || r.CanonicalID != rec.CanonicalID || !slices.Contains(report.Restored, prev) {
			report.Unrecoverable = append(report.Unrecoverable, fmt.Sprintf("vertex %s no longer redirects to %s", rid, rec.CanonicalID))
			continue
		}
		if _, err := tx.TombstoneVertex(ctx, rid, prev, r.Revision); err != nil {
			return nil, fmt.Errorf("re-point %s: %w", rid, err)
		}
		report.Repointed = append(report.Repointed, rid)
	}
	slices.Sort(report.Repointed)

	for i := len(rec.Snapshot.Edges) - 1; i >= 0; i-- {
		ch := rec.Snapshot.Edges[i]
		ok, err := revertEdge(ctx, tx, ch)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.Unrecoverable = append(report.Unrecoverable, "edge "+ch.EdgeID+" was changed by a later write")
			continue
		}
		report.Edges++
	}

	canonical, err = tx.GetVertex(ctx, rec.CanonicalID)
	if err != nil {
		return nil, err
	}
	next := canonical.Clone()
	if canonical.Revision == rec.Snapshot.CanonicalRevision && rec.Snapshot.CanonicalClaims != nil {
		next.Claims = rec.Snapshot.CanonicalClaims.Clone()
	} else if canonical.Revision != rec.Snapshot.CanonicalRevision {
		report.Unrecoverable = append(report.Unrecoverable, "claims of "+canonical.ID+" changed after the merge and were kept")
	}
	if next.Claims == nil {
		next.Claims = kb.Claims{}
	}
	next.Claims.Add(kb.ClaimManualIdentity, manual(canonical.ID))
	if _, err := tx.UpdateVertex(ctx, next, canonical.Revision); err != nil {
		return nil, fmt.Errorf("restore canonical %s: %w", canonical.ID, err)
	}

	unmerge := &kb.AuditRecord{
		ID:          unmergeID,
		Signature:   rec.Signature,
		Kind:        rec.Kind,
		Decision:    kb.DecisionUnmerge,
		Members:     rec.Members,
		Scores:      rec.Scores,
		CanonicalID: rec.CanonicalID,
		Reasons:     []kb.Reason{kb.ReasonManual},
		CreatedAt:   a.now(),
		Reverts:     rec.ID,
	}
	if err := tx.AppendAudit(ctx, unmerge); err != nil {
		return nil, fmt.Errorf("append unmerge: %w", err)
	}
	return report, nil
}

// revertEdge undoes one edge change. It reports false when the edge no
// longer looks the way the merge left it.
func revertEdge(ctx context.Context, tx store.GraphTx, ch kb.EdgeChange) (bool, error) {
	if ch.Removed != nil {
		for _, id := range []string{ch.Removed.From, ch.Removed.To} {
			if ok, err := activeNow(ctx, tx, id); !ok || err != nil {
				return false, err
			}
		}
		err := tx.RestoreEdge(ctx, ch.Removed)
		if errors.Is(err, store.ErrRevisionConflict) {
			return false, nil
		}
		return err == nil, err
	}

	if ok, err := activeNow(ctx, tx, ch.OldID); !ok || err != nil {
		return false, err
	}
	edges, err := tx.EdgesOf(ctx, ch.NewID)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.ID != ch.EdgeID {
			continue
		}
		current := e.From
		if ch.Field == "_to" {
			current = e.To
		}
		if current != ch.NewID {
			return false, nil
		}
		if _, err := tx.RewriteEdgeEndpoint(ctx, e.ID, ch.NewID, ch.OldID, e.Revision); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// activeNow reports whether id exists and is not absorbed, so an edge may
// point at it.
func activeNow(ctx context.Context, tx store.GraphTx, id string) (bool, error) {
	v, err := tx.GetVertex(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Status != kb.StatusAbsorbed, nil
}
