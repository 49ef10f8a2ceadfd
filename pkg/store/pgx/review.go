package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

const reviewColumns = "id, signature, kind, members, scores, reason, status, resolution, created_at"

func newReviewID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	return "review/" + id, nil
}

// EnqueueReview relies on the unique signature index for idempotence.
func (s *Store) EnqueueReview(ctx context.Context, e *kb.ReviewEntry) (bool, error) {
	id := e.ID
	if id == "" {
		var err error
		if id, err = s.reviewN(); err != nil {
			return false, err
		}
	}
	status := e.Status
	if status == "" {
		status = kb.ReviewOpen
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return false, err
	}

	tag, err := s.conn.Exec(ctx, `
INSERT INTO review_queue (`+reviewColumns+`)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
ON CONFLICT (signature) DO NOTHING`,
		id, e.Signature, string(e.Kind), e.Members, string(scores),
		string(e.Reason), string(status), e.Resolution, created,
	)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListReviews(ctx context.Context, kind kb.Kind, status kb.ReviewStatus, limit int) ([]*kb.ReviewEntry, error) {
	sql := "SELECT " + reviewColumns + " FROM review_queue WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR status = $2) ORDER BY created_at, id"
	args := []any{string(kind), string(status)}
	if limit > 0 {
		sql += " LIMIT $3"
		args = append(args, limit)
	}
	return s.queryReviews(ctx, sql, args...)
}

func (s *Store) GetReview(ctx context.Context, id string) (*kb.ReviewEntry, error) {
	out, err := s.queryReviews(ctx, "SELECT "+reviewColumns+" FROM review_queue WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("review %s: %w", id, store.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) ResolveReview(ctx context.Context, id, resolution string) error {
	tag, err := s.conn.Exec(ctx, `
UPDATE review_queue
SET status = $2, resolution = $3, resolved_at = now()
WHERE id = $1`, id, string(kb.ReviewResolved), resolution)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) queryReviews(ctx context.Context, sql string, args ...any) ([]*kb.ReviewEntry, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*kb.ReviewEntry
	for rows.Next() {
		var (
			e      kb.ReviewEntry
			kind   string
			reason string
			status string
			scores []byte
		)
		if err := rows.Scan(&e.ID, &e.Signature, &kind, &e.Members, &scores, &reason, &status, &e.Resolution, &e.CreatedAt); err != nil {
			return nil, translate(err)
		}
		e.Kind = kb.Kind(kind)
		e.Reason = kb.Reason(reason)
		e.Status = kb.ReviewStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &e.Scores); err != nil {
				return nil, fmt.Errorf("review %s scores: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, translate(rows.Err())
}
