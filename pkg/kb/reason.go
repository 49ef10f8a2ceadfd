package kb

// Reason is the code attached to every blocking decision, skip and abort.
type Reason string

const (
	// blocking reasons
	ReasonDOI             Reason = "exact_doi"
	ReasonORCID           Reason = "exact_orcid"
	ReasonTitleAuthor     Reason = "title_first_author"
	ReasonPersonName      Reason = "name_coauthorship"
	ReasonOrgCountryType  Reason = "name_country_type"
	ReasonOrgCooccurrence Reason = "name_cooccurrence"
	ReasonSoftwareName    Reason = "name_version_comention"
	ReasonManual          Reason = "manual_decision"

	// skip and routing reasons
	ReasonMissingAttribute Reason = "missing_attribute"
	ReasonInactiveVertex   Reason = "inactive_vertex"
	ReasonCountryMismatch  Reason = "country_mismatch"
	ReasonNameMismatch     Reason = "name_mismatch"
	ReasonReviewScore      Reason = "review_score"
	ReasonIdentityConflict Reason = "identity_conflict"
	ReasonStaleCluster     Reason = "stale_cluster"
	ReasonAlreadyCommitted Reason = "already_committed"
	ReasonRevisionConflict Reason = "revision_conflict"
	ReasonTransientStore   Reason = "transient_store_error"
	ReasonPassFailed       Reason = "pass_failed"
)

// Deterministic reports whether the blocking reason is near-certain identity
// and bypasses scoring.
func (r Reason) Deterministic() bool {
	return r == ReasonDOI || r == ReasonORCID || r == ReasonManual
}

// Priority orders blocking reasons; lower is stronger.
func (r Reason) Priority() int {
	switch r {
	case ReasonManual:
		return 0
	case ReasonDOI, ReasonORCID:
		return 1
	case ReasonTitleAuthor, ReasonOrgCountryType, ReasonSoftwareName, ReasonPersonName:
		return 2
	default:
		return 3
	}
}
