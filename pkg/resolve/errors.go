package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

var (
	// ErrStaleCluster means a member changed since clustering. The cluster is
	// dropped and recomputed by the next pass.
	ErrStaleCluster = errors.New("stale cluster")
	// ErrIdentityConflict marks clusters that must not merge automatically.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrAlreadyReverted is returned when rolling back a merge twice.
	ErrAlreadyReverted = errors.New("merge already reverted")
	// ErrRollbackBlocked is returned when the canonical of a merge has since
	// been absorbed; the later merge must be rolled back first.
	ErrRollbackBlocked = errors.New("rollback blocked by a later merge")
)

// StaleClusterError names the member that invalidated a cluster.
type StaleClusterError struct {
	Signature string
	Member    string
	Status    kb.Status
}

func (e *StaleClusterError) Error() string {
	return fmt.Sprintf("cluster %s: member %s is %s", short(e.Signature), e.Member, e.Status)
}

func (e *StaleClusterError) Unwrap() error { return ErrStaleCluster }

// PassFailedError aborts one collection pass. The checkpoint is kept and
// the next run resumes from it.
type PassFailedError struct {
	Kind   kb.Kind
	PassID string
	Err    error
}

func (e *PassFailedError) Error() string {
	return fmt.Sprintf("pass %s for %s failed: %v", e.PassID, e.Kind, e.Err)
}

func (e *PassFailedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: store unavailability,
// revision conflicts and per-transaction deadlines.
func IsTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, store.ErrRevisionConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// reasonOf maps an executor error to the reason code it is logged with.
func reasonOf(err error) kb.Reason {
	switch {
	case errors.Is(err, ErrStaleCluster):
		return kb.ReasonStaleCluster
	case errors.Is(err, store.ErrRevisionConflict):
		return kb.ReasonRevisionConflict
	case errors.Is(err, ErrIdentityConflict):
		return kb.ReasonIdentityConflict
	default:
		return kb.ReasonTransientStore
	}
}

func short(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
