package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

type tx struct {
	reader
	tx pgxv5.Tx
}

// missOrConflict tells a missing row from a revision mismatch after a
// revision-checked write matched nothing.
func (t *tx) missOrConflict(ctx context.Context, table, id string, expected int64) error {
	var rev int64
	err := t.tx.QueryRow(ctx, "SELECT rev FROM "+table+" WHERE id = $1", id).Scan(&rev)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return translate(err)
	}
	return fmt.Errorf("%s %s at revision %d, expected %d: %w", table, id, rev, expected, store.ErrRevisionConflict)
}

func (t *tx) UpdateVertex(ctx context.Context, v *kb.Vertex, expectedRevision int64) (int64, error) {
	claims, err := encodeClaims(v.Claims)
	if err != nil {
		return 0, err
	}
	var rev int64
	err = t.tx.QueryRow(ctx, `
UPDATE vertices
SET status = $2, canonical_id = $3, claims = $4::jsonb, rev = rev + 1
WHERE id = $1 AND rev = $5
RETURNING rev`,
		v.ID, string(v.Status), v.CanonicalID, claims, expectedRevision,
	).Scan(&rev)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, t.missOrConflict(ctx, "vertices", v.ID, expectedRevision)
	}
	return rev, translate(err)
}

func (t *tx) TombstoneVertex(ctx context.Context, id, canonicalID string, expectedRevision int64) (int64, error) {
	var rev int64
	err := t.tx.QueryRow(ctx, `
UPDATE vertices
SET status = $2, canonical_id = $3, rev = rev + 1
WHERE id = $1 AND rev = $4
RETURNING rev`,
		id, string(kb.StatusAbsorbed), canonicalID, expectedRevision,
	).Scan(&rev)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, t.missOrConflict(ctx, "vertices", id, expectedRevision)
	}
	return rev, translate(err)
}

func (t *tx) Referrers(ctx context.Context, id string) ([]*kb.Vertex, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+vertexColumns+`
FROM vertices
WHERE status = $2 AND canonical_id = $1 AND id <> $1
ORDER BY id`, id, string(kb.StatusAbsorbed))
	if err != nil {
		return nil, translate(err)
	}
	return collectVertices(rows)
}

func (t *tx) RewriteEdgeEndpoint(ctx context.Context, edgeID, oldID, newID string, expectedRevision int64) (int64, error) {
	var rev int64
	err := t.tx.QueryRow(ctx, `
UPDATE edges
SET from_id = CASE WHEN from_id = $2 THEN $3 ELSE from_id END,
    to_id   = CASE WHEN to_id = $2 THEN $3 ELSE to_id END,
    rev     = rev + 1
WHERE id = $1 AND rev = $4 AND (from_id = $2 OR to_id = $2)
RETURNING rev`,
		edgeID, oldID, newID, expectedRevision,
	).Scan(&rev)
	if errors.Is(err, pgxv5.ErrNoRows) {
		if err := t.missOrConflict(ctx, "edges", edgeID, expectedRevision); !errors.Is(err, store.ErrRevisionConflict) {
			return 0, err
		}
		return 0, fmt.Errorf("edge %s at revision %d does not touch %s: %w", edgeID, expectedRevision, oldID, store.ErrRevisionConflict)
	}
	return rev, translate(err)
}

func (t *tx) RemoveEdge(ctx context.Context, edgeID string, expectedRevision int64) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM edges WHERE id = $1 AND rev = $2", edgeID, expectedRevision)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return t.missOrConflict(ctx, "edges", edgeID, expectedRevision)
	}
	return nil
}

func (t *tx) RestoreEdge(ctx context.Context, e *kb.Edge) error {
	claims, err := encodeClaims(e.Claims)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
INSERT INTO edges (id, collection, from_id, to_id, rev, claims)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Collection), e.From, e.To, e.Revision+1, claims,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("edge %s already exists: %w", e.ID, store.ErrRevisionConflict)
	}
	return nil
}

func (t *tx) LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error) {
	return latestDecision(ctx, t.tx, signature)
}

func (t *tx) GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error) {
	return getAudit(ctx, t.tx, id)
}

func (t *tx) AppendAudit(ctx context.Context, rec *kb.AuditRecord) error {
	return appendAudit(ctx, t.tx, rec)
}
