package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

type tx struct {
	s *Store

	// undo holds the pre-transaction copy of every touched record; a nil
	// value means the record did not exist.
	vertexUndo map[string]*kb.Vertex
	edgeUndo   map[string]*kb.Edge
	auditLen   int
	writes     int
}

// Tx runs fn while holding the store lock. A returned error restores every
// record fn touched.
func (s *Store) Tx(ctx context.Context, fn func(tx store.GraphTx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:          s,
		vertexUndo: make(map[string]*kb.Vertex),
		edgeUndo:   make(map[string]*kb.Edge),
		auditLen:   len(s.audit),
	}
	err := fn(t)
	if err == nil {
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("%w: %w", store.ErrUnavailable, cerr)
		} else if cerr := s.checkFault("Commit"); cerr != nil {
			err = cerr
		}
	}
	if err != nil {
		t.rollback()
		return err
	}
	s.writes += t.writes
	return nil
}

func (t *tx) rollback() {
	for id, v := range t.vertexUndo {
		if v == nil {
			delete(t.s.vertices, id)
			continue
		}
		t.s.vertices[id] = v
	}
	for id, e := range t.edgeUndo {
		if e == nil {
			delete(t.s.edges, id)
			continue
		}
		t.s.edges[id] = e
	}
	t.s.audit = t.s.audit[:t.auditLen]
}

func (t *tx) saveVertex(id string) {
	if _, ok := t.vertexUndo[id]; ok {
		return
	}
	t.vertexUndo[id] = t.s.vertices[id].Clone()
}

func (t *tx) saveEdge(id string) {
	if _, ok := t.edgeUndo[id]; ok {
		return
	}
	t.edgeUndo[id] = t.s.edges[id].Clone()
}

func (t *tx) GetVertex(ctx context.Context, id string) (*kb.Vertex, error) {
	return t.s.getVertex(id)
}

func (t *tx) GetVertices(ctx context.Context, ids []string) (map[string]*kb.Vertex, error) {
	return t.s.getVertices(ids), nil
}

func (t *tx) EdgesOf(ctx context.Context, id string) ([]*kb.Edge, error) {
	return t.s.edgesOf(id), nil
}

func (t *tx) checkedVertex(op, id string, expected int64) (*kb.Vertex, error) {
	if err := t.s.checkFault(op); err != nil {
		return nil, err
	}
	v, ok := t.s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("vertex %s: %w", id, store.ErrNotFound)
	}
	if v.Revision != expected {
		return nil, fmt.Errorf("vertex %s at revision %d, expected %d: %w", id, v.Revision, expected, store.ErrRevisionConflict)
	}
	return v, nil
}

func (t *tx) UpdateVertex(ctx context.Context, v *kb.Vertex, expectedRevision int64) (int64, error) {
	cur, err := t.checkedVertex("UpdateVertex", v.ID, expectedRevision)
	if err != nil {
		return 0, err
	}
	t.saveVertex(v.ID)
	cur.Status = v.Status
	cur.CanonicalID = v.CanonicalID
	cur.Claims = v.Claims.Clone()
	cur.Revision++
	t.writes++
	return cur.Revision, nil
}

func (t *tx) TombstoneVertex(ctx context.Context, id, canonicalID string, expectedRevision int64) (int64, error) {
	cur, err := t.checkedVertex("TombstoneVertex", id, expectedRevision)
	if err != nil {
		return 0, err
	}
	t.saveVertex(id)
	cur.Status = kb.StatusAbsorbed
	cur.CanonicalID = canonicalID
	cur.Revision++
	t.writes++
	return cur.Revision, nil
}

func (t *tx) Referrers(ctx context.Context, id string) ([]*kb.Vertex, error) {
	var out []*kb.Vertex
	for _, v := range t.s.vertices {
		if v.Status == kb.StatusAbsorbed && v.CanonicalID == id && v.ID != id {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) checkedEdge(op, id string, expected int64) (*kb.Edge, error) {
	if err := t.s.checkFault(op); err != nil {
		return nil, err
	}
	e, ok := t.s.edges[id]
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", id, store.ErrNotFound)
	}
	if e.Revision != expected {
		return nil, fmt.Errorf("edge %s at revision %d, expected %d: %w", id, e.Revision, expected, store.ErrRevisionConflict)
	}
	return e, nil
}

func (t *tx) RewriteEdgeEndpoint(ctx context.Context, edgeID, oldID, newID string, expectedRevision int64) (int64, error) {
	e, err := t.checkedEdge("RewriteEdgeEndpoint", edgeID, expectedRevision)
	if err != nil {
		return 0, err
	}
	if e.From != oldID && e.To != oldID {
		return 0, fmt.Errorf("edge %s does not touch %s: %w", edgeID, oldID, store.ErrRevisionConflict)
	}
	t.saveEdge(edgeID)
	if e.From == oldID {
		e.From = newID
	}
	if e.To == oldID {
		e.To = newID
	}
	e.Revision++
	t.writes++
	return e.Revision, nil
}

func (t *tx) RemoveEdge(ctx context.Context, edgeID string, expectedRevision int64) error {
	if _, err := t.checkedEdge("RemoveEdge", edgeID, expectedRevision); err != nil {
		return err
	}
	t.saveEdge(edgeID)
	delete(t.s.edges, edgeID)
	t.writes++
	return nil
}

func (t *tx) RestoreEdge(ctx context.Context, e *kb.Edge) error {
	if err := t.s.checkFault("RestoreEdge"); err != nil {
		return err
	}
	if _, ok := t.s.edges[e.ID]; ok {
		return fmt.Errorf("edge %s already exists: %w", e.ID, store.ErrRevisionConflict)
	}
	t.saveEdge(e.ID)
	c := e.Clone()
	c.Revision++
	t.s.edges[e.ID] = c
	t.writes++
	return nil
}

func (t *tx) LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error) {
	return t.s.latestDecision(signature)
}

func (t *tx) GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error) {
	return t.s.getAudit(id)
}

func (t *tx) AppendAudit(ctx context.Context, rec *kb.AuditRecord) error {
	if err := t.s.checkFault("AppendAudit"); err != nil {
		return err
	}
	t.s.audit = append(t.s.audit, cloneRecord(rec))
	t.writes++
	return nil
}
