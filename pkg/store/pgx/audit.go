package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

const auditColumns = "id, signature, kind, decision, members, scores, canonical_id, reasons, created_at, snapshot, reverts"

func appendAudit(ctx context.Context, q querier, rec *kb.AuditRecord) error {
	scores, err := json.Marshal(rec.Scores)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return err
	}
	reasons := make([]string, len(rec.Reasons))
	for i, r := range rec.Reasons {
		reasons[i] = string(r)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = q.Exec(ctx, `
INSERT INTO audit (`+auditColumns+`)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::jsonb, $11)`,
		rec.ID, rec.Signature, string(rec.Kind), string(rec.Decision), rec.Members,
		string(scores), rec.CanonicalID, reasons, created, string(snapshot), rec.Reverts,
	)
	return translate(err)
}

func getAudit(ctx context.Context, q querier, id string) (*kb.AuditRecord, error) {
	recs, err := queryAudit(ctx, q, "SELECT "+auditColumns+" FROM audit WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("audit record %s: %w", id, store.ErrNotFound)
	}
	return recs[0], nil
}

func latestDecision(ctx context.Context, q querier, signature string) (*kb.AuditRecord, error) {
	recs, err := queryAudit(ctx, q,
		"SELECT "+auditColumns+" FROM audit WHERE signature = $1 ORDER BY seq DESC LIMIT 1", signature)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("decision %s: %w", signature, store.ErrNotFound)
	}
	return recs[0], nil
}

func queryAudit(ctx context.Context, q querier, sql string, args ...any) ([]*kb.AuditRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*kb.AuditRecord
	for rows.Next() {
		var (
			rec      kb.AuditRecord
			kind     string
			decision string
			reasons  []string
			scores   []byte
			snapshot []byte
			reverts  *string
		)
		err := rows.Scan(&rec.ID, &rec.Signature, &kind, &decision, &rec.Members, &scores,
			&rec.CanonicalID, &reasons, &rec.CreatedAt, &snapshot, &reverts)
		if err != nil {
			return nil, translate(err)
		}
		rec.Kind = kb.Kind(kind)
		rec.Decision = kb.Decision(decision)
		rec.CreatedAt = rec.CreatedAt.UTC()
		for _, r := range reasons {
			rec.Reasons = append(rec.Reasons, kb.Reason(r))
		}
		if reverts != nil {
			rec.Reverts = *reverts
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &rec.Scores); err != nil {
				return nil, fmt.Errorf("audit record %s scores: %w", rec.ID, err)
			}
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
				return nil, fmt.Errorf("audit record %s snapshot: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, translate(rows.Err())
}

func (s *Store) GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error) {
	return getAudit(ctx, s.conn, id)
}

func (s *Store) LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error) {
	return latestDecision(ctx, s.conn, signature)
}

// AuditByMember uses the GIN index on members.
func (s *Store) AuditByMember(ctx context.Context, id string) ([]*kb.AuditRecord, error) {
	return queryAudit(ctx, s.conn,
		"SELECT "+auditColumns+" FROM audit WHERE members @> ARRAY[$1::text] ORDER BY seq", id)
}
