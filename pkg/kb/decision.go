package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Class is the decision class of a scored candidate pair.
type Class string

const (
	ClassAutoMerge Class = "auto_merge"
	ClassReview    Class = "review"
	ClassReject    Class = "reject"
)

// Pair is an unordered candidate pair; A < B always holds.
type Pair struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Reason Reason `json:"reason"`
}

// NewPair orders the ids so the same two vertices always yield the same pair.
func NewPair(x, y string, reason Reason) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y, Reason: reason}
}

func (p Pair) Key() string {
	return p.A + "|" + p.B
}

// ScoredPair is a candidate pair with its score and class.
type ScoredPair struct {
	Pair
	Score    float64            `json:"score"`
	Class    Class              `json:"class"`
	Features map[string]float64 `json:"features,omitempty"`
	// Why carries the reject or skip reason when the class is decided by a rule.
	Why Reason `json:"why,omitempty"`
}

// Signature is the idempotency key of a set of vertex ids: a digest of the
// sorted ids with a domain prefix so it never collides with other digests.
func Signature(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte("kbmerge/cluster/v1"))
	h.Write([]byte{0x00})
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Decision is the kind of an audit record.
type Decision string

const (
	DecisionMerge   Decision = "merge"
	DecisionUnmerge Decision = "unmerge"
)

// EdgeChange records one edge write of a merge so it can be reverted.
type EdgeChange struct {
	EdgeID string `json:"edge_id"`
	// Field is "_from" or "_to".
	Field string `json:"field,omitempty"`
	OldID string `json:"old_id,omitempty"`
	NewID string `json:"new_id,omitempty"`
	// Removed holds the full edge when it was deleted as a duplicate or self-loop.
	Removed *Edge `json:"removed,omitempty"`
}

// Snapshot is the state a merge replaced, retained for best-effort rollback.
type Snapshot struct {
	CanonicalClaims   Claims            `json:"canonical_claims,omitempty"`
	CanonicalRevision int64             `json:"canonical_revision"`
	MemberClaims      map[string]Claims `json:"member_claims,omitempty"`
	// Repointed maps a previously absorbed vertex to the canonical it had before.
	Repointed map[string]string `json:"repointed,omitempty"`
	Edges     []EdgeChange      `json:"edges,omitempty"`
}

// AuditRecord is one immutable merge decision.
type AuditRecord struct {
	ID          string             `json:"id"`
	Signature   string             `json:"cluster_signature"`
	Kind        Kind               `json:"entity_type"`
	Decision    Decision           `json:"decision"`
	Members     []string           `json:"members"`
	Scores      map[string]float64 `json:"scores"`
	CanonicalID string             `json:"canonical_id"`
	Reasons     []Reason           `json:"decision_reasons"`
	CreatedAt   time.Time          `json:"timestamp"`
	Snapshot    Snapshot           `json:"snapshot"`
	// Reverts names the merge record an unmerge compensates.
	Reverts string `json:"reverts,omitempty"`
}

// Absorbed returns the members other than the canonical.
func (r *AuditRecord) Absorbed() []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m != r.CanonicalID {
			out = append(out, m)
		}
	}
	return out
}

// Redirected lists every id whose canonical id the merge changed: the
// absorbed members and the earlier absorbed vertices it re-pointed.
func (r *AuditRecord) Redirected() []string {
	out := r.Absorbed()
	repointed := make([]string, 0, len(r.Snapshot.Repointed))
	for id := range r.Snapshot.Repointed {
		repointed = append(repointed, id)
	}
	sort.Strings(repointed)
	return append(out, repointed...)
}

// ReviewStatus is the state of a review queue entry.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewEntry is a pair or cluster waiting for external adjudication.
type ReviewEntry struct {
	ID         string             `json:"id"`
	Signature  string             `json:"signature"`
	Kind       Kind               `json:"entity_type"`
	Members    []string           `json:"pair_or_cluster"`
	Scores     map[string]float64 `json:"scores"`
	Reason     Reason             `json:"reason"`
	Status     ReviewStatus       `json:"status"`
	Resolution string             `json:"resolution,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}
