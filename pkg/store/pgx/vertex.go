package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

const edgeColumns = "id, collection, from_id, to_id, rev, claims"

// reader implements the read side on a pool or inside a transaction.
type reader struct {
	q querier
}

func (r reader) GetVertex(ctx context.Context, id string) (*kb.Vertex, error) {
	rows, err := r.q.Query(ctx, "SELECT "+vertexColumns+" FROM vertices WHERE id = $1", id)
	if err != nil {
		return nil, translate(err)
	}
	vs, err := collectVertices(rows)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("vertex %s: %w", id, store.ErrNotFound)
	}
	return vs[0], nil
}

func (r reader) GetVertices(ctx context.Context, ids []string) (map[string]*kb.Vertex, error) {
	out := make(map[string]*kb.Vertex, len(ids))
	ids = store.DedupeStrings(ids)
	err := store.ChunkRange(len(ids), 1000, func(start, end int) error {
		rows, err := r.q.Query(ctx, "SELECT "+vertexColumns+" FROM vertices WHERE id = ANY($1)", ids[start:end])
		if err != nil {
			return translate(err)
		}
		vs, err := collectVertices(rows)
		if err != nil {
			return err
		}
		for _, v := range vs {
			out[v.ID] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r reader) Scan(ctx context.Context, q query.Query) (store.Page, error) {
	c, err := compile(q)
	if err != nil {
		return store.Page{}, err
	}
	rows, err := r.q.Query(ctx, c.SQL, c.Args...)
	if err != nil {
		return store.Page{}, translate(err)
	}
	vs, err := collectVertices(rows)
	if err != nil {
		return store.Page{}, err
	}

	page := store.Page{Vertices: vs, Done: true}
	if q.Limit > 0 && len(vs) > q.Limit {
		page.Vertices = vs[:q.Limit]
		page.Done = false
		page.Next = page.Vertices[q.Limit-1].ID
	}
	return page, nil
}

func (r reader) EdgesOf(ctx context.Context, id string) ([]*kb.Edge, error) {
	rows, err := r.q.Query(ctx,
		"SELECT "+edgeColumns+" FROM edges WHERE from_id = $1 OR to_id = $1 ORDER BY id", id)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*kb.Edge
	for rows.Next() {
		var (
			e      kb.Edge
			coll   string
			claims []byte
		)
		if err := rows.Scan(&e.ID, &coll, &e.From, &e.To, &e.Revision, &claims); err != nil {
			return nil, translate(err)
		}
		e.Collection = kb.EdgeCollection(coll)
		if err := decodeClaims(claims, &e.Claims); err != nil {
			return nil, fmt.Errorf("edge %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, translate(rows.Err())
}

// collectVertices scans rows holding any subset of the vertex columns.
func collectVertices(rows pgxv5.Rows) ([]*kb.Vertex, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []*kb.Vertex
	for rows.Next() {
		var (
			v       kb.Vertex
			kind    string
			status  string
			created time.Time
			claims  []byte
		)
		dest := make([]any, len(fields))
		for i, f := range fields {
			switch f.Name {
			case "id":
				dest[i] = &v.ID
			case "kind":
				dest[i] = &kind
			case "rev":
				dest[i] = &v.Revision
			case "status":
				dest[i] = &status
			case "canonical_id":
				dest[i] = &v.CanonicalID
			case "created_at":
				dest[i] = &created
			case "claims":
				dest[i] = &claims
			default:
				return nil, fmt.Errorf("unexpected vertex column %q", f.Name)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, translate(err)
		}
		v.Kind = kb.Kind(kind)
		v.Status = kb.Status(status)
		v.CreatedAt = created.UTC()
		if err := decodeClaims(claims, &v.Claims); err != nil {
			return nil, fmt.Errorf("vertex %s: %w", v.ID, err)
		}
		out = append(out, &v)
	}
	return out, translate(rows.Err())
}

func decodeClaims(raw []byte, dst *kb.Claims) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// encodeClaims strips what jsonb refuses: invalid UTF-8 and NUL bytes.
func encodeClaims(c kb.Claims) (string, error) {
	clean := make(kb.Claims, len(c))
	for k, vs := range c {
		out := make([]kb.ClaimValue, len(vs))
		for i, v := range vs {
			v.Value = util.SanitizePostgresText(v.Value)
			v.Provenance.Source = util.SanitizePostgresText(v.Provenance.Source)
			out[i] = v
		}
		clean[util.SanitizePostgresText(k)] = out
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// The reader methods are promoted onto the Store.

func (s *Store) GetVertex(ctx context.Context, id string) (*kb.Vertex, error) {
	return s.reader().GetVertex(ctx, id)
}

func (s *Store) GetVertices(ctx context.Context, ids []string) (map[string]*kb.Vertex, error) {
	return s.reader().GetVertices(ctx, ids)
}

func (s *Store) Scan(ctx context.Context, q query.Query) (store.Page, error) {
	return s.reader().Scan(ctx, q)
}

func (s *Store) EdgesOf(ctx context.Context, id string) ([]*kb.Edge, error) {
	return s.reader().EdgesOf(ctx, id)
}
