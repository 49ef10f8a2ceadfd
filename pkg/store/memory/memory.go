// Package memory is an in-process implementation of every store capability.
// It backs the engine tests and local dry runs; transactions are serialized
// by a single mutex and rolled back through an undo log.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// FaultFunc is consulted before every write; a non-nil error fails the write.
type FaultFunc func(op string) error

type Store struct {
	mu sync.Mutex

	vertices    map[string]*kb.Vertex
	edges       map[string]*kb.Edge
	audit       []*kb.AuditRecord
	reviews     []*kb.ReviewEntry
	checkpoints map[kb.Kind]*store.Checkpoint
	pairs       map[string]map[string]kb.ScoredPair
	blocking    map[string]map[string]struct{}
	indexed     map[string][]string

	writes int
	fault  FaultFunc
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		vertices:    make(map[string]*kb.Vertex),
		edges:       make(map[string]*kb.Edge),
		checkpoints: make(map[kb.Kind]*store.Checkpoint),
		pairs:       make(map[string]map[string]kb.ScoredPair),
		blocking:    make(map[string]map[string]struct{}),
		indexed:     make(map[string][]string),
	}
}

// AddVertices seeds vertices. Missing revision, status and canonical id get
// the values the import would have written.
func (s *Store) AddVertices(vs ...*kb.Vertex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vs {
		c := v.Clone()
		if c.Kind == "" {
			c.Kind, _ = kb.KindOf(c.ID)
		}
		if c.Revision == 0 {
			c.Revision = 1
		}
		if c.Status == "" {
			c.Status = kb.StatusActive
		}
		if c.CanonicalID == "" {
			c.CanonicalID = c.ID
		}
		if c.Claims == nil {
			c.Claims = kb.Claims{}
		}
		s.vertices[c.ID] = c
	}
}

func (s *Store) AddEdges(es ...*kb.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range es {
		c := e.Clone()
		if c.Revision == 0 {
			c.Revision = 1
		}
		s.edges[c.ID] = c
	}
}

// SetFault installs a write fault hook; nil removes it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// Writes counts committed vertex, edge, audit and review writes.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Vertex returns a copy of the stored vertex or nil.
func (s *Store) Vertex(id string) *kb.Vertex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vertices[id].Clone()
}

// AllVertices returns copies of every vertex ordered by id.
func (s *Store) AllVertices() []*kb.Vertex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*kb.Vertex, 0, len(s.vertices))
	for _, v := range s.vertices {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllEdges returns copies of every edge ordered by id.
func (s *Store) AllEdges() []*kb.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*kb.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuditRecords returns the audit log in append order.
func (s *Store) AuditRecords() []*kb.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*kb.AuditRecord, len(s.audit))
	for i, r := range s.audit {
		out[i] = cloneRecord(r)
	}
	return out
}

func (s *Store) GetVertex(ctx context.Context, id string) (*kb.Vertex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVertex(id)
}

func (s *Store) getVertex(id string) (*kb.Vertex, error) {
	v, ok := s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("vertex %s: %w", id, store.ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *Store) GetVertices(ctx context.Context, ids []string) (map[string]*kb.Vertex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVertices(ids), nil
}

func (s *Store) getVertices(ids []string) map[string]*kb.Vertex {
	out := make(map[string]*kb.Vertex, len(ids))
	for _, id := range ids {
		if v, ok := s.vertices[id]; ok {
			out[id] = v.Clone()
		}
	}
	return out
}

func (s *Store) Scan(ctx context.Context, q query.Query) (store.Page, error) {
	if err := q.Validate(); err != nil {
		return store.Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Page{}, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*kb.Vertex
	for _, v := range s.vertices {
		if string(v.Kind) != q.Collection || v.ID <= q.After {
			continue
		}
		if q.Filter != nil && !q.Filter.Match(fieldsOf(v)) {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	page := store.Page{Done: true}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		page.Done = false
	}
	for _, v := range matched {
		page.Vertices = append(page.Vertices, v.Clone())
	}
	if !page.Done {
		page.Next = matched[len(matched)-1].ID
	}
	return page, nil
}

func fieldsOf(v *kb.Vertex) func(string) any {
	return func(field string) any {
		switch field {
		case query.FieldID:
			return v.ID
		case query.FieldKind:
			return v.Kind
		case query.FieldStatus:
			return v.Status
		case query.FieldCanonicalID:
			return v.CanonicalID
		case query.FieldCreatedAt:
			return v.CreatedAt
		case query.FieldRevision:
			return v.Revision
		}
		return nil
	}
}

func (s *Store) EdgesOf(ctx context.Context, id string) ([]*kb.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgesOf(id), nil
}

func (s *Store) edgesOf(id string) []*kb.Edge {
	var out []*kb.Edge
	for _, e := range s.edges {
		if e.From == id || e.To == id {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAudit(id)
}

func (s *Store) getAudit(id string) (*kb.AuditRecord, error) {
	for _, r := range s.audit {
		if r.ID == id {
			return cloneRecord(r), nil
		}
	}
	return nil, fmt.Errorf("audit record %s: %w", id, store.ErrNotFound)
}

func (s *Store) LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestDecision(signature)
}

func (s *Store) latestDecision(signature string) (*kb.AuditRecord, error) {
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].Signature == signature {
			return cloneRecord(s.audit[i]), nil
		}
	}
	return nil, fmt.Errorf("decision %s: %w", signature, store.ErrNotFound)
}

func (s *Store) AuditByMember(ctx context.Context, id string) ([]*kb.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*kb.AuditRecord
	for _, r := range s.audit {
		if slices.Contains(r.Members, id) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (s *Store) EnqueueReview(ctx context.Context, e *kb.ReviewEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("EnqueueReview"); err != nil {
		return false, err
	}
	for _, existing := range s.reviews {
		if existing.Signature == e.Signature {
			return false, nil
		}
	}
	c := *e
	c.Members = slices.Clone(e.Members)
	if c.ID == "" {
		c.ID = fmt.Sprintf("review/%d", len(s.reviews)+1)
	}
	if c.Status == "" {
		c.Status = kb.ReviewOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.reviews = append(s.reviews, &c)
	s.writes++
	return true, nil
}

func (s *Store) ListReviews(ctx context.Context, kind kb.Kind, status kb.ReviewStatus, limit int) ([]*kb.ReviewEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*kb.ReviewEntry
	for _, r := range s.reviews {
		if kind != "" && r.Kind != kind {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		c := *r
		c.Members = slices.Clone(r.Members)
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetReview(ctx context.Context, id string) (*kb.ReviewEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if r.ID == id {
			c := *r
			c.Members = slices.Clone(r.Members)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("review %s: %w", id, store.ErrNotFound)
}

func (s *Store) ResolveReview(ctx context.Context, id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if r.ID == id {
			r.Status = kb.ReviewResolved
			r.Resolution = resolution
			s.writes++
			return nil
		}
	}
	return fmt.Errorf("review %s: %w", id, store.ErrNotFound)
}

func (s *Store) LoadCheckpoint(ctx context.Context, kind kb.Kind) (*store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[kind]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", kind, store.ErrNotFound)
	}
	c := *cp
	return &c, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint, pairs []kb.ScoredPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("SaveCheckpoint"); err != nil {
		return err
	}
	c := *cp
	s.checkpoints[cp.Kind] = &c
	if cp.Phase == store.PhaseDone {
		delete(s.pairs, cp.PassID)
		return nil
	}
	if len(pairs) == 0 {
		return nil
	}
	byKey, ok := s.pairs[cp.PassID]
	if !ok {
		byKey = make(map[string]kb.ScoredPair)
		s.pairs[cp.PassID] = byKey
	}
	for _, p := range pairs {
		byKey[p.Key()] = p
	}
	return nil
}

func (s *Store) PassPairs(ctx context.Context, passID string) ([]kb.ScoredPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kb.ScoredPair, 0, len(s.pairs[passID]))
	for _, p := range s.pairs[passID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// IndexKeys replaces the keys recorded for the vertex.
func (s *Store) IndexKeys(ctx context.Context, kind kb.Kind, vertexID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := string(kind) + "\x00" + vertexID
	for _, key := range s.indexed[owner] {
		k := string(kind) + "\x00" + key
		delete(s.blocking[k], vertexID)
		if len(s.blocking[k]) == 0 {
			delete(s.blocking, k)
		}
	}
	s.indexed[owner] = append([]string(nil), keys...)
	for _, key := range keys {
		k := string(kind) + "\x00" + key
		ids, ok := s.blocking[k]
		if !ok {
			ids = make(map[string]struct{})
			s.blocking[k] = ids
		}
		ids[vertexID] = struct{}{}
	}
	return nil
}

func (s *Store) LookupKey(ctx context.Context, kind kb.Kind, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.blocking[string(kind)+"\x00"+key] {
		if v, ok := s.vertices[id]; ok && v.Active() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) checkFault(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func cloneRecord(r *kb.AuditRecord) *kb.AuditRecord {
	c := *r
	c.Members = slices.Clone(r.Members)
	c.Reasons = slices.Clone(r.Reasons)
	return &c
}
