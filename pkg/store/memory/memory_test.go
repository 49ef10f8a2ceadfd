package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/query"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

func seed() *Store {
	s := New()
	s.AddVertices(
		&kb.Vertex{ID: "documents/1"},
		&kb.Vertex{ID: "documents/2"},
		&kb.Vertex{ID: "documents/3", Status: kb.StatusAbsorbed, CanonicalID: "documents/1"},
		&kb.Vertex{ID: "persons/1"},
	)
	s.AddEdges(&kb.Edge{ID: "actors/1", Collection: kb.EdgeActors, From: "persons/1", To: "documents/2"})
	return s
}

func TestScanPaginates(t *testing.T) {
	s := seed()
	ctx := context.Background()
	q := query.From(string(kb.KindDocument)).Where(query.Eq(query.FieldStatus, kb.StatusActive))

	page, err := s.Scan(ctx, q.Page("", 1))
	require.NoError(t, err)
	require.Len(t, page.Vertices, 1)
	assert.Equal(t, "documents/1", page.Vertices[0].ID)
	assert.False(t, page.Done)

	page, err = s.Scan(ctx, q.Page(page.Next, 1))
	require.NoError(t, err)
	require.Len(t, page.Vertices, 1)
	assert.Equal(t, "documents/2", page.Vertices[0].ID)

	page, err = s.Scan(ctx, q.Page(page.Next, 1))
	require.NoError(t, err)
	assert.Empty(t, page.Vertices)
	assert.True(t, page.Done)
}

func TestScanRejectsUnknownField(t *testing.T) {
	s := seed()
	_, err := s.Scan(context.Background(), query.From("documents").Where(query.Eq("secret", 1)))
	assert.ErrorIs(t, err, query.ErrUnknownField)
}

func TestTxRollsBackOnError(t *testing.T) {
	s := seed()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Tx(ctx, func(tx store.GraphTx) error {
		if _, err := tx.TombstoneVertex(ctx, "documents/2", "documents/1", 1); err != nil {
			return err
		}
		if _, err := tx.RewriteEdgeEndpoint(ctx, "actors/1", "documents/2", "documents/1", 1); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &kb.AuditRecord{ID: "a1", Signature: "sig"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	v := s.Vertex("documents/2")
	assert.Equal(t, kb.StatusActive, v.Status)
	assert.Equal(t, int64(1), v.Revision)
	assert.Equal(t, "documents/2", s.AllEdges()[0].To)
	assert.Empty(t, s.AuditRecords())
	assert.Zero(t, s.Writes())
}

func TestTxRevisionConflict(t *testing.T) {
	s := seed()
	ctx := context.Background()
	err := s.Tx(ctx, func(tx store.GraphTx) error {
		_, err := tx.TombstoneVertex(ctx, "documents/2", "documents/1", 7)
		return err
	})
	assert.ErrorIs(t, err, store.ErrRevisionConflict)
}

func TestFaultFailsCommit(t *testing.T) {
	s := seed()
	ctx := context.Background()
	s.SetFault(func(op string) error {
		if op == "Commit" {
			return store.ErrUnavailable
		}
		return nil
	})
	err := s.Tx(ctx, func(tx store.GraphTx) error {
		_, err := tx.TombstoneVertex(ctx, "documents/2", "documents/1", 1)
		return err
	})
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.True(t, s.Vertex("documents/2").Active())
}

func TestLookupKeyReturnsActiveOnly(t *testing.T) {
	s := seed()
	ctx := context.Background()
	for _, id := range []string{"documents/1", "documents/2", "documents/3"} {
		require.NoError(t, s.IndexKeys(ctx, kb.KindDocument, id, []string{"doi:10.1/abc"}))
	}
	ids, err := s.LookupKey(ctx, kb.KindDocument, "doi:10.1/abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"documents/1", "documents/2"}, ids)
}

func TestEnqueueReviewIsIdempotent(t *testing.T) {
	s := seed()
	ctx := context.Background()
	entry := &kb.ReviewEntry{Signature: "sig", Kind: kb.KindPerson, Members: []string{"persons/1", "persons/2"}}

	created, err := s.EnqueueReview(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnqueueReview(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created)

	open, err := s.ListReviews(ctx, kb.KindPerson, kb.ReviewOpen, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCheckpointPairsAreDeduplicated(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := &store.Checkpoint{Kind: kb.KindDocument, PassID: "p1", Cursor: "documents/1", Phase: store.PhaseScanning}
	pair := kb.ScoredPair{Pair: kb.NewPair("documents/2", "documents/1", kb.ReasonDOI), Score: 1, Class: kb.ClassAutoMerge}

	require.NoError(t, s.SaveCheckpoint(ctx, cp, []kb.ScoredPair{pair}))
	require.NoError(t, s.SaveCheckpoint(ctx, cp, []kb.ScoredPair{pair}))

	pairs, err := s.PassPairs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "documents/1", pairs[0].A)

	loaded, err := s.LoadCheckpoint(ctx, kb.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, "documents/1", loaded.Cursor)

	_, err = s.LoadCheckpoint(ctx, kb.KindPerson)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIndexKeysReplacesPreviousKeys(t *testing.T) {
	s := seed()
	ctx := context.Background()

	require.NoError(t, s.IndexKeys(ctx, kb.KindDocument, "documents/1", []string{"doi:10.1/old"}))
	require.NoError(t, s.IndexKeys(ctx, kb.KindDocument, "documents/2", []string{"doi:10.1/old"}))
	require.NoError(t, s.IndexKeys(ctx, kb.KindDocument, "documents/1", []string{"doi:10.1/new"}))

	ids, err := s.LookupKey(ctx, kb.KindDocument, "doi:10.1/old")
	require.NoError(t, err)
	assert.Equal(t, []string{"documents/2"}, ids)

	ids, err = s.LookupKey(ctx, kb.KindDocument, "doi:10.1/new")
	require.NoError(t, err)
	assert.Equal(t, []string{"documents/1"}, ids)
}

func TestDoneCheckpointDropsPairs(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := &store.Checkpoint{Kind: kb.KindDocument, PassID: "p1", Phase: store.PhaseMerging}
	pair := kb.ScoredPair{Pair: kb.NewPair("documents/1", "documents/2", kb.ReasonDOI), Score: 1, Class: kb.ClassAutoMerge}
	require.NoError(t, s.SaveCheckpoint(ctx, cp, []kb.ScoredPair{pair}))

	cp.Phase = store.PhaseDone
	require.NoError(t, s.SaveCheckpoint(ctx, cp, nil))

	pairs, err := s.PassPairs(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pairs)

	loaded, err := s.LoadCheckpoint(ctx, kb.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseDone, loaded.Phase)
}
