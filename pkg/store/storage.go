package store

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
)

var (
	// ErrNotFound is returned for point lookups of missing records.
	ErrNotFound = errors.New("not found")
	// ErrRevisionConflict is returned when a revision-checked write sees a
	// different revision than expected.
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrUnavailable wraps transient store failures: timeouts, dropped
	// connections, serialization failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Page is one page of a collection scan.
type Page struct {
	Vertices []*kb.Vertex
	// Next is the cursor of the following page, empty when Done.
	Next string
	Done bool
}

// VertexReader performs point lookups.
type VertexReader interface {
	GetVertex(ctx context.Context, id string) (*kb.Vertex, error)
	GetVertices(ctx context.Context, ids []string) (map[string]*kb.Vertex, error)
}

// Scanner pages through a collection.
type Scanner interface {
	Scan(ctx context.Context, q query.Query) (Page, error)
}

// EdgeLister lists the edges touching a vertex, in either direction.
type EdgeLister interface {
	EdgesOf(ctx context.Context, id string) ([]*kb.Edge, error)
}

// GraphReader is what feature profiles need to read neighborhoods.
type GraphReader interface {
	VertexReader
	EdgeLister
}

// GraphTx is the set of revision-checked writes available inside one
// transaction. Every write returns ErrRevisionConflict when the stored
// revision differs from the expected one.
type GraphTx interface {
	VertexReader
	EdgeLister

	// UpdateVertex replaces status, canonical id and claims of v.
	UpdateVertex(ctx context.Context, v *kb.Vertex, expectedRevision int64) (int64, error)
	// TombstoneVertex marks id absorbed into canonicalID.
	TombstoneVertex(ctx context.Context, id, canonicalID string, expectedRevision int64) (int64, error)
	// Referrers returns the absorbed vertices whose canonical id is id.
	Referrers(ctx context.Context, id string) ([]*kb.Vertex, error)

	RewriteEdgeEndpoint(ctx context.Context, edgeID, oldID, newID string, expectedRevision int64) (int64, error)
	RemoveEdge(ctx context.Context, edgeID string, expectedRevision int64) error
	// RestoreEdge re-inserts a removed edge; it fails if the id exists.
	RestoreEdge(ctx context.Context, e *kb.Edge) error

	LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error)
	GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error)
	AppendAudit(ctx context.Context, rec *kb.AuditRecord) error
}

// Transactor runs fn in one store transaction. Nothing fn wrote is visible
// to other readers unless fn returns nil and the commit succeeds.
type Transactor interface {
	Tx(ctx context.Context, fn func(tx GraphTx) error) error
}

// AuditLog reads the append-only merge decisions.
type AuditLog interface {
	GetAudit(ctx context.Context, id string) (*kb.AuditRecord, error)
	LatestDecision(ctx context.Context, signature string) (*kb.AuditRecord, error)
	// AuditByMember returns every record naming id as a member, oldest first.
	AuditByMember(ctx context.Context, id string) ([]*kb.AuditRecord, error)
}

// ReviewQueue stores pairs and clusters awaiting adjudication.
type ReviewQueue interface {
	// EnqueueReview adds e unless an entry with the same signature exists.
	// It reports whether a new entry was created.
	EnqueueReview(ctx context.Context, e *kb.ReviewEntry) (bool, error)
	ListReviews(ctx context.Context, kind kb.Kind, status kb.ReviewStatus, limit int) ([]*kb.ReviewEntry, error)
	GetReview(ctx context.Context, id string) (*kb.ReviewEntry, error)
	ResolveReview(ctx context.Context, id, resolution string) error
}

// Phase of a collection pass.
type Phase string

const (
	PhaseScanning Phase = "scanning"
	PhaseMerging  Phase = "merging"
	PhaseDone     Phase = "done"
)

// Checkpoint is the persisted progress of one collection pass.
type Checkpoint struct {
	Kind      kb.Kind
	PassID    string
	Cursor    string
	Phase     Phase
	Pages     int
	StartedAt time.Time
	UpdatedAt time.Time
}

// CheckpointStore persists pass progress. SaveCheckpoint stores the cursor
// together with the auto-merge pairs found on the page, in one write, so a
// resumed pass never loses pairs of a page it skips.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, kind kb.Kind) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint, pairs []kb.ScoredPair) error
	PassPairs(ctx context.Context, passID string) ([]kb.ScoredPair, error)
}

// BlockingIndex is the persisted map from blocking key to vertex ids.
type BlockingIndex interface {
	// IndexKeys replaces the keys recorded for the vertex.
	IndexKeys(ctx context.Context, kind kb.Kind, vertexID string, keys []string) error
	// LookupKey returns the active vertices indexed under key.
	LookupKey(ctx context.Context, kind kb.Kind, key string) ([]string, error)
}

// Store bundles every capability for wiring binaries. Components take the
// narrow interfaces above.
type Store interface {
	VertexReader
	Scanner
	EdgeLister
	Transactor
	AuditLog
	ReviewQueue
	CheckpointStore
	BlockingIndex
}
