package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
	"github.com/OFFIS-RIT/kbmerge/pkg/store/memory"
)

func manualPair(a, b string) kb.ScoredPair {
	return kb.ScoredPair{Pair: kb.NewPair(a, b, kb.ReasonManual), Score: 1, Class: kb.ClassAutoMerge}
}

func buildOne(t *testing.T, s *memory.Store, kind kb.Kind, pairs ...kb.ScoredPair) Cluster {
	t.Helper()
	b := NewClusterBuilder(s, NewRegistry(DefaultPolicy()))
	clusters, err := b.Build(context.Background(), kind, pairs)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	return clusters[0]
}

func newExecutor(s *memory.Store) *MergeExecutor {
	return NewMergeExecutor(s, NewRegistry(DefaultPolicy()), testOptions())
}

func TestExecutorRewritesEdges(t *testing.T) {
	s := memory.New()
	s.AddVertices(
		vertex("software/c", at(2019), kb.ClaimName, "numpy"),
		vertex("software/m", at(2020), kb.ClaimName, "NumPy"),
		vertex("documents/x", at(2018)),
	)
	s.AddEdges(
		edge("citations/1", kb.EdgeCitations, "documents/x", "software/c"),
		edge("citations/2", kb.EdgeCitations, "documents/x", "software/m"),
		edge("dependencies/1", kb.EdgeDependencies, "software/m", "software/c"),
		edge("references/1", kb.EdgeReferences, "software/m", "documents/x"),
	)
	c := buildOne(t, s, kb.KindSoftware, manualPair("software/c", "software/m"))
	require.Equal(t, "software/c", c.Canonical)

	applied, err := newExecutor(s).Apply(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, applied.Outcome)
	assert.Equal(t, 1, applied.Attempts)
	assert.ElementsMatch(t, []string{"software/c", "documents/x"}, applied.Touched)

	edges := s.AllEdges()
	require.Len(t, edges, 2)
	assert.Equal(t, "citations/1", edges[0].ID)
	assert.Equal(t, "references/1", edges[1].ID)
	assert.Equal(t, "software/c", edges[1].From)

	changes := applied.Record.Snapshot.Edges
	require.Len(t, changes, 3)
	var rewritten []kb.EdgeChange
	removed := map[string]bool{}
	for _, ch := range changes {
		if ch.Removed != nil {
			removed[ch.EdgeID] = true
			continue
		}
		rewritten = append(rewritten, ch)
	}
	assert.Equal(t, map[string]bool{"citations/2": true, "dependencies/1": true}, removed)
	require.Len(t, rewritten, 1)
	assert.Equal(t, kb.EdgeChange{EdgeID: "references/1", Field: "_from", OldID: "software/m", NewID: "software/c"}, rewritten[0])
	requireNoDangling(t, s)
}

func TestExecutorSkipsCommittedSignature(t *testing.T) {
	s := memory.New()
	seedDOIDuplicates(s)
	c := buildOne(t, s, kb.KindDocument, manualPair("documents/1", "documents/2"))
	ex := newExecutor(s)
	ctx := context.Background()

	first, err := ex.Apply(ctx, c)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, first.Outcome)
	writes := s.Writes()

	second, err := ex.Apply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, second.Outcome)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, writes, s.Writes())
}

func TestExecutorDropsStaleCluster(t *testing.T) {
	s := memory.New()
	seedDOIDuplicates(s)
	s.AddVertices(vertex("documents/3", at(2019)))
	c := buildOne(t, s, kb.KindDocument, manualPair("documents/1", "documents/2"))

	ctx := context.Background()
	require.NoError(t, s.Tx(ctx, func(tx store.GraphTx) error {
		_, err := tx.TombstoneVertex(ctx, "documents/2", "documents/3", 1)
		return err
	}))

	applied, err := newExecutor(s).Apply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, applied.Outcome)
	assert.Empty(t, s.AuditRecords())
	assert.Equal(t, int64(1), s.Vertex("documents/1").Revision)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	s := memory.New()
	seedDOIDuplicates(s)
	c := buildOne(t, s, kb.KindDocument, manualPair("documents/1", "documents/2"))

	failures := 1
	s.SetFault(func(op string) error {
		if op == "AppendAudit" && failures > 0 {
			failures--
			return store.ErrUnavailable
		}
		return nil
	})

	applied, err := newExecutor(s).Apply(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, applied.Outcome)
	assert.Equal(t, 2, applied.Attempts)
	assert.Len(t, s.AuditRecords(), 1)
	// the failed attempt left nothing behind
	assert.Equal(t, int64(2), s.Vertex("documents/1").Revision)
}

func TestExecutorDropsClusterAfterPersistentRevisionConflicts(t *testing.T) {
	s := memory.New()
	seedDOIDuplicates(s)
	c := buildOne(t, s, kb.KindDocument, manualPair("documents/1", "documents/2"))
	s.SetFault(func(op string) error {
		if op == "TombstoneVertex" {
			return store.ErrRevisionConflict
		}
		return nil
	})

	applied, err := newExecutor(s).Apply(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, applied.Outcome)
	assert.Equal(t, testOptions().Retry.Attempts, applied.Attempts)
	assert.Equal(t, kb.StatusActive, s.Vertex("documents/2").Status)
	assert.Empty(t, s.AuditRecords())
}

func TestRollbackRestoresMerge(t *testing.T) {
	s := memory.New()
	seedTensorFlow(s)
	e := newEngine(t, s)
	ctx := context.Background()

	_, err := e.RunPass(ctx, kb.KindSoftware)
	require.NoError(t, err)
	merge := s.AuditRecords()[0]

	report, err := e.AuditTrail().Rollback(ctx, merge.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"software/b"}, report.Restored)
	assert.Equal(t, 40, report.Edges)
	assert.Empty(t, report.Unrecoverable)

	b := s.Vertex("software/b")
	assert.Equal(t, kb.StatusActive, b.Status)
	assert.Equal(t, "software/b", b.CanonicalID)
	assert.Equal(t, "tensorflow", b.Claims.FirstValue(kb.ClaimName))
	assert.Equal(t, 40, citationsTo(s, "software/a"))
	assert.Equal(t, 40, citationsTo(s, "software/b"))
	assert.Len(t, s.Vertex("software/a").Claims[kb.ClaimName], 1)

	records := s.AuditRecords()
	require.Len(t, records, 2)
	assert.Equal(t, kb.DecisionUnmerge, records[1].Decision)
	assert.Equal(t, merge.ID, records[1].Reverts)
	assert.Equal(t, merge.Signature, records[1].Signature)

	history, err := e.AuditTrail().History(ctx, "software/b")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = e.AuditTrail().Rollback(ctx, merge.ID)
	assert.ErrorIs(t, err, ErrAlreadyReverted)

	// the manual identities keep the next pass from merging them again
	res, err := e.RunPass(ctx, kb.KindSoftware)
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.Equal(t, 1, res.Conflict)
	assert.Equal(t, kb.StatusActive, s.Vertex("software/b").Status)
}

func TestRollbackReportsEdgesChangedLater(t *testing.T) {
	s := memory.New()
	s.AddVertices(
		vertex("software/a", at(2019), kb.ClaimName, "scipy"),
		vertex("software/b", at(2020), kb.ClaimName, "scipy"),
		vertex("software/c", at(2021), kb.ClaimName, "scikit-learn"),
		vertex("documents/x", at(2018)),
	)
	s.AddEdges(edge("citations/1", kb.EdgeCitations, "documents/x", "software/b"))
	c := buildOne(t, s, kb.KindSoftware, manualPair("software/a", "software/b"))
	ctx := context.Background()
	applied, err := newExecutor(s).Apply(ctx, c)
	require.NoError(t, err)
	require.Equal(t, "software/a", s.AllEdges()[0].To)

	// a later write moves the citation to another package
	rev := s.AllEdges()[0].Revision
	require.NoError(t, s.Tx(ctx, func(tx store.GraphTx) error {
		_, err := tx.RewriteEdgeEndpoint(ctx, "citations/1", "software/a", "software/c", rev)
		return err
	}))

	report, err := NewAuditTrail(s, s, s).Rollback(ctx, applied.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"software/b"}, report.Restored)
	assert.Zero(t, report.Edges)
	require.Len(t, report.Unrecoverable, 1)
	assert.Contains(t, report.Unrecoverable[0], "citations/1")
	assert.Equal(t, "software/c", s.AllEdges()[0].To)
	assert.Equal(t, kb.StatusActive, s.Vertex("software/b").Status)
}

func TestReviewerMergesPair(t *testing.T) {
	s := memory.New()
	seedSmiths(s)
	e := newEngine(t, s)
	ctx := context.Background()

	_, err := e.RunPass(ctx, kb.KindPerson)
	require.NoError(t, err)
	open, err := e.Reviewer().Open(ctx, kb.KindPerson, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	applied, err := e.Reviewer().Resolve(ctx, open[0].ID, ResolutionMerge)
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, OutcomeMerged, applied.Outcome)
	assert.Equal(t, []kb.Reason{kb.ReasonManual}, applied.Record.Reasons)
	assert.Equal(t, "persons/10", s.Vertex("persons/11").CanonicalID)
	requireNoDangling(t, s)

	_, err = e.Reviewer().Resolve(ctx, open[0].ID, ResolutionMerge)
	assert.ErrorIs(t, err, ErrReviewResolved)
}

func TestReviewerKeepsPairDistinct(t *testing.T) {
	s := memory.New()
	seedConflictingTitles(s)
	e := newEngine(t, s, func(p *Policy) { p.MarkConflicts = true })
	ctx := context.Background()

	_, err := e.RunPass(ctx, kb.KindDocument)
	require.NoError(t, err)
	open, err := e.Reviewer().Open(ctx, kb.KindDocument, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	applied, err := e.Reviewer().Resolve(ctx, open[0].ID, ResolutionDistinct)
	require.NoError(t, err)
	assert.Nil(t, applied)

	for _, id := range []string{"documents/7", "documents/8"} {
		v := s.Vertex(id)
		assert.Equal(t, kb.StatusActive, v.Status, id)
		assert.Len(t, v.Claims.Values(kb.ClaimManualIdentity), 1, id)
	}
	open, err = e.Reviewer().Open(ctx, kb.KindDocument, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	res, err := e.RunPass(ctx, kb.KindDocument)
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	for _, id := range []string{"documents/7", "documents/8"} {
		assert.Equal(t, kb.StatusActive, s.Vertex(id).Status, id)
	}

	_, err = e.Reviewer().Resolve(ctx, "review/404", ResolutionDistinct)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
