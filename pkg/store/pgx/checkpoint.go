package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

func (s *Store) LoadCheckpoint(ctx context.Context, kind kb.Kind) (*store.Checkpoint, error) {
	var (
		cp    store.Checkpoint
		phase string
	)
	err := s.conn.QueryRow(ctx, `
SELECT pass_id, page_cursor, phase, pages, started_at, updated_at
FROM pass_checkpoints
WHERE kind = $1`, string(kind),
	).Scan(&cp.PassID, &cp.Cursor, &phase, &cp.Pages, &cp.StartedAt, &cp.UpdatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", kind, store.ErrNotFound)
	}
	if err != nil {
		return nil, translate(err)
	}
	cp.Kind = kind
	cp.Phase = store.Phase(phase)
	cp.StartedAt = cp.StartedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

// SaveCheckpoint writes the checkpoint row and the page's pairs in one
// transaction.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint, pairs []kb.ScoredPair) error {
	pgtx, err := s.conn.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = pgtx.Rollback(context.Background()) }()

	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = pgtx.Exec(ctx, `
INSERT INTO pass_checkpoints (kind, pass_id, page_cursor, phase, pages, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (kind) DO UPDATE
SET pass_id    = EXCLUDED.pass_id,
    page_cursor = EXCLUDED.page_cursor,
    phase      = EXCLUDED.phase,
    pages      = EXCLUDED.pages,
    started_at = EXCLUDED.started_at,
    updated_at = EXCLUDED.updated_at`,
		string(cp.Kind), cp.PassID, cp.Cursor, string(cp.Phase), cp.Pages, cp.StartedAt, updated,
	)
	if err != nil {
		return translate(err)
	}

	if len(pairs) > 0 {
		batch := &pgxv5.Batch{}
		for _, p := range pairs {
			features, err := json.Marshal(p.Features)
			if err != nil {
				return err
			}
			batch.Queue(`
INSERT INTO pass_pairs (pass_id, a, b, reason, score, class, why, features)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
ON CONFLICT (pass_id, a, b) DO UPDATE
SET reason = EXCLUDED.reason, score = EXCLUDED.score, class = EXCLUDED.class,
    why = EXCLUDED.why, features = EXCLUDED.features`,
				cp.PassID, p.A, p.B, string(p.Reason), p.Score, string(p.Class), string(p.Why), string(features),
			)
		}
		if err := pgtx.SendBatch(ctx, batch).Close(); err != nil {
			return translate(err)
		}
	}

	if cp.Phase == store.PhaseDone {
		if _, err := pgtx.Exec(ctx, `DELETE FROM pass_pairs WHERE pass_id = $1`, cp.PassID); err != nil {
			return translate(err)
		}
	}

	return translate(pgtx.Commit(ctx))
}

func (s *Store) PassPairs(ctx context.Context, passID string) ([]kb.ScoredPair, error) {
	rows, err := s.conn.Query(ctx, `
SELECT a, b, reason, score, class, why, features
FROM pass_pairs
WHERE pass_id = $1
ORDER BY a, b`, passID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []kb.ScoredPair
	for rows.Next() {
		var (
			p                  kb.ScoredPair
			reason, class, why string
			features           []byte
		)
		if err := rows.Scan(&p.A, &p.B, &reason, &p.Score, &class, &why, &features); err != nil {
			return nil, translate(err)
		}
		p.Reason = kb.Reason(reason)
		p.Class = kb.Class(class)
		p.Why = kb.Reason(why)
		if len(features) > 0 {
			if err := json.Unmarshal(features, &p.Features); err != nil {
				return nil, fmt.Errorf("pass pair %s: %w", p.Key(), err)
			}
		}
		out = append(out, p)
	}
	return out, translate(rows.Err())
}

func (s *Store) IndexKeys(ctx context.Context, kind kb.Kind, vertexID string, keys []string) error {
	keys = store.DedupeStrings(keys)
	if keys == nil {
		keys = []string{}
	}
	pgtx, err := s.conn.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = pgtx.Rollback(context.Background()) }()

	_, err = pgtx.Exec(ctx, `
DELETE FROM blocking_keys
WHERE kind = $1 AND vertex_id = $2 AND NOT (key = ANY($3::text[]))`, string(kind), vertexID, keys)
	if err != nil {
		return translate(err)
	}
	if len(keys) > 0 {
		_, err = pgtx.Exec(ctx, `
INSERT INTO blocking_keys (kind, key, vertex_id)
SELECT $1, k, $2 FROM unnest($3::text[]) AS k
ON CONFLICT DO NOTHING`, string(kind), vertexID, keys)
		if err != nil {
			return translate(err)
		}
	}
	return translate(pgtx.Commit(ctx))
}

// LookupKey joins against the vertices so absorbed and conflicted vertices
// drop out of the index without a delete.
func (s *Store) LookupKey(ctx context.Context, kind kb.Kind, key string) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
SELECT b.vertex_id
FROM blocking_keys b
JOIN vertices v ON v.id = b.vertex_id
WHERE b.kind = $1 AND b.key = $2 AND v.status = $3
ORDER BY b.vertex_id`, string(kind), key, string(kb.StatusActive))
	if err != nil {
		return nil, translate(err)
	}
	ids, err := pgxv5.CollectRows(rows, pgxv5.RowTo[string])
	return ids, translate(err)
}
