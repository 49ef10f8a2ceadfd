package kb

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of entity collections the merge engine resolves.
// The string value is the collection name and the id prefix of its vertices.
type Kind string

const (
	KindDocument     Kind = "documents"
	KindPerson       Kind = "persons"
	KindOrganization Kind = "organizations"
	KindSoftware     Kind = "software"
)

// Kinds lists every entity kind in pass order.
var Kinds = []Kind{KindDocument, KindPerson, KindOrganization, KindSoftware}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// KindOf returns the kind encoded in a vertex id such as "documents/12".
func KindOf(id string) (Kind, bool) {
	prefix, _, ok := strings.Cut(id, "/")
	if !ok {
		return "", false
	}
	k, err := ParseKind(prefix)
	if err != nil {
		return "", false
	}
	return k, true
}

// EdgeCollection names a relation collection of the knowledge base.
type EdgeCollection string

const (
	EdgeCitations    EdgeCollection = "citations"
	EdgeActors       EdgeCollection = "actors"
	EdgeDependencies EdgeCollection = "dependencies"
	EdgeReferences   EdgeCollection = "references"
	EdgeCopyrights   EdgeCollection = "copyrights"
)

// EdgeCollections lists every relation collection.
var EdgeCollections = []EdgeCollection{
	EdgeCitations,
	EdgeActors,
	EdgeDependencies,
	EdgeReferences,
	EdgeCopyrights,
}

// Status is the lifecycle state of a vertex.
type Status string

const (
	StatusActive   Status = "active"
	StatusAbsorbed Status = "absorbed"
	StatusConflict Status = "conflict"
)

// Vertex is an entity of the knowledge base.
//
// A vertex is created active by the import collaborators. The merge engine
// only moves it to absorbed (with CanonicalID naming the surviving vertex)
// or to conflict. Revision grows with every write and is the token for
// revision-checked updates.
type Vertex struct {
	ID          string    `json:"_id"`
	Kind        Kind      `json:"kind"`
	Revision    int64     `json:"_rev"`
	Status      Status    `json:"status"`
	CanonicalID string    `json:"canonical_id"`
	CreatedAt   time.Time `json:"created_at"`
	Claims      Claims    `json:"claims"`
}

// Active reports whether the vertex takes part in automatic merging.
func (v *Vertex) Active() bool {
	return v != nil && v.Status == StatusActive
}

// Canonical returns the id readers should use for v: the canonical id of an
// absorbed vertex, otherwise its own id.
func (v *Vertex) Canonical() string {
	if v.Status == StatusAbsorbed && v.CanonicalID != "" {
		return v.CanonicalID
	}
	return v.ID
}

// Clone returns a deep copy so callers can mutate claims freely.
func (v *Vertex) Clone() *Vertex {
	if v == nil {
		return nil
	}
	c := *v
	c.Claims = v.Claims.Clone()
	return &c
}

// Edge is a directed relation between two vertices.
type Edge struct {
	ID         string         `json:"_id"`
	Collection EdgeCollection `json:"collection"`
	From       string         `json:"_from"`
	To         string         `json:"_to"`
	Revision   int64          `json:"_rev"`
	Claims     Claims         `json:"claims"`
}

func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Claims = e.Claims.Clone()
	return &c
}

// DedupeKey identifies edges that carry the same relation after endpoint
// rewrites: same collection, same endpoints, same claims.
func (e *Edge) DedupeKey() string {
	return string(e.Collection) + "|" + e.From + "|" + e.To + "|" + e.Claims.Signature()
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id string) string {
	if e.From == id {
		return e.To
	}
	return e.From
}
